package store

// Peer is a cached observation of a remote device. The cache keeps the
// last-known address so a client can show peers it met before, even while
// the relay is down.
type Peer struct {
	DeviceID      string
	DisplayName   string
	AvatarEmoji   string
	AvatarBg      string
	StatusMessage string
	AppVersion    string
	Address       string
	Port          int
	Source        string
	LastSeenAt    int64
}

// Peer observation sources, lowest to highest merge priority.
const (
	SourceCache  = "cache"
	SourceMDNS   = "mdns"
	SourceUDP    = "udp"
	SourceManual = "manual"
	SourceRelay  = "relay"
)

// UpsertPeer writes a peer cache row, replacing any prior observation.
func (s *Store) UpsertPeer(p Peer) error {
	_, err := s.db.Exec(
		`INSERT INTO peers(device_id, display_name, avatar_emoji, avatar_bg, status_message, app_version, address, port, source, last_seen_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_emoji = excluded.avatar_emoji,
			avatar_bg = excluded.avatar_bg,
			status_message = excluded.status_message,
			app_version = excluded.app_version,
			address = excluded.address,
			port = excluded.port,
			source = excluded.source,
			last_seen_at = excluded.last_seen_at`,
		p.DeviceID, p.DisplayName, p.AvatarEmoji, p.AvatarBg, p.StatusMessage,
		p.AppVersion, p.Address, p.Port, p.Source, p.LastSeenAt,
	)
	return err
}

// GetPeer returns one cached peer, or sql.ErrNoRows.
func (s *Store) GetPeer(deviceID string) (Peer, error) {
	return scanPeer(s.db.QueryRow(
		`SELECT device_id, display_name, avatar_emoji, avatar_bg, status_message, app_version, address, port, source, last_seen_at
		 FROM peers WHERE device_id = ?`, deviceID,
	))
}

// ListPeers returns all cached peers ordered by most recently seen.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT device_id, display_name, avatar_emoji, avatar_bg, status_message, app_version, address, port, source, last_seen_at
		 FROM peers ORDER BY last_seen_at DESC, device_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// DeletePeer removes one peer cache row. Missing rows are a no-op.
func (s *Store) DeletePeer(deviceID string) error {
	_, err := s.db.Exec(`DELETE FROM peers WHERE device_id = ?`, deviceID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(r rowScanner) (Peer, error) {
	var p Peer
	err := r.Scan(&p.DeviceID, &p.DisplayName, &p.AvatarEmoji, &p.AvatarBg,
		&p.StatusMessage, &p.AppVersion, &p.Address, &p.Port, &p.Source, &p.LastSeenAt)
	return p, err
}

// Forgotten is one forgotten-peer entry. A peer stays hidden while
// WaitingForOffline is true; the entry expires 24h after it flips false.
type Forgotten struct {
	DeviceID          string
	WaitingForOffline bool
	UpdatedAt         int64
}

// UpsertForgotten writes a forgotten-peer entry.
func (s *Store) UpsertForgotten(f Forgotten) error {
	waiting := 0
	if f.WaitingForOffline {
		waiting = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO forgotten_peers(device_id, waiting_for_offline, updated_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			waiting_for_offline = excluded.waiting_for_offline,
			updated_at = excluded.updated_at`,
		f.DeviceID, waiting, f.UpdatedAt,
	)
	return err
}

// ListForgotten returns every forgotten-peer entry.
func (s *Store) ListForgotten() ([]Forgotten, error) {
	rows, err := s.db.Query(
		`SELECT device_id, waiting_for_offline, updated_at FROM forgotten_peers`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Forgotten
	for rows.Next() {
		var f Forgotten
		var waiting int
		if err := rows.Scan(&f.DeviceID, &waiting, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.WaitingForOffline = waiting != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteForgotten removes one forgotten-peer entry.
func (s *Store) DeleteForgotten(deviceID string) error {
	_, err := s.db.Exec(`DELETE FROM forgotten_peers WHERE device_id = ?`, deviceID)
	return err
}
