package storage

import (
	"encoding/json"
	"time"
)

// CachedPeer is the last known state of a remote peer: where it was reached
// and the most recent call exchanged with it. Entries survive the peer going
// offline so the call history can still show who was on the other end.
type CachedPeer struct {
	PeerID   string    `json:"peer_id"`
	Addrs    []string  `json:"addrs"`
	LastCall string    `json:"last_call,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// SeenPeer records that a peer was discovered at addrs. An empty addrs list
// keeps the previously known addresses.
func (d *DB) SeenPeer(peerID string, addrs []string) error {
	if addrs == nil {
		addrs = []string{}
	}
	b, _ := json.Marshal(addrs)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peer_cache (peer_id, addrs, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			addrs     = CASE WHEN excluded.addrs = '[]' THEN _peer_cache.addrs ELSE excluded.addrs END,
			last_seen = excluded.last_seen`,
		peerID, string(b), time.Now().UTC().Format(timeLayout),
	)
	return err
}

// NoteCall remembers callID as the latest call exchanged with peerID.
func (d *DB) NoteCall(peerID, callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peer_cache (peer_id, last_call, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_call = excluded.last_call,
			last_seen = excluded.last_seen`,
		peerID, callID, time.Now().UTC().Format(timeLayout),
	)
	return err
}

// GetCachedPeer returns the last known state for a peer, or false if unknown.
func (d *DB) GetCachedPeer(peerID string) (CachedPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, err := scanPeer(d.db.QueryRow(`
		SELECT peer_id, addrs, last_call, last_seen FROM _peer_cache WHERE peer_id = ?`, peerID))
	if err != nil {
		return CachedPeer{}, false
	}
	return p, true
}

// ListCachedPeers returns all cached peers, most recently seen first.
func (d *DB) ListCachedPeers() ([]CachedPeer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT peer_id, addrs, last_call, last_seen FROM _peer_cache ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	peers := []CachedPeer{}
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// DeleteCachedPeer removes a peer from the cache entirely.
func (d *DB) DeleteCachedPeer(peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _peer_cache WHERE peer_id = ?`, peerID)
	return err
}

func scanPeer(row rowScanner) (CachedPeer, error) {
	var p CachedPeer
	var addrsJSON, lastSeen string
	if err := row.Scan(&p.PeerID, &addrsJSON, &p.LastCall, &lastSeen); err != nil {
		return CachedPeer{}, err
	}
	_ = json.Unmarshal([]byte(addrsJSON), &p.Addrs)
	p.LastSeen, _ = time.Parse(timeLayout, lastSeen)
	return p, nil
}
