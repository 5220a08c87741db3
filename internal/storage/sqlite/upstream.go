package sqlite

import (
	"context"
	"database/sql"
	"time"

	rpcgate "github.com/rpcgate/rpcgate/internal"
)

// CreateUpstream inserts a new operator-configured upstream node.
func (s *Store) CreateUpstream(ctx context.Context, u *rpcgate.UpstreamConfig) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO upstreams (id, name, http_url, ws_url, tier, archive, weight,
		 soft_limit, hard_limit, max_head_age_ms, auth_type, auth_header, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.HTTPURL, nullStr(u.WSURL), int(u.Tier), boolToInt(u.Archive),
		u.Weight, u.SoftLimit, u.HardLimit, u.MaxHeadAge.Milliseconds(), nullStr(u.AuthType),
		nullStr(u.AuthHeader), boolToInt(u.Enabled),
	)
	return err
}

// ListUpstreams returns every configured upstream, enabled or not -- the
// pool decides at wiring time which ones to register.
func (s *Store) ListUpstreams(ctx context.Context) ([]*rpcgate.UpstreamConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, http_url, ws_url, tier, archive, weight,
		 soft_limit, hard_limit, max_head_age_ms, auth_type, auth_header, enabled
		 FROM upstreams ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rpcgate.UpstreamConfig
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateUpstream updates a configured upstream's mutable fields.
func (s *Store) UpdateUpstream(ctx context.Context, u *rpcgate.UpstreamConfig) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE upstreams SET name=?, http_url=?, ws_url=?, tier=?, archive=?, weight=?,
		 soft_limit=?, hard_limit=?, max_head_age_ms=?, auth_type=?, auth_header=?, enabled=?
		 WHERE id=?`,
		u.Name, u.HTTPURL, nullStr(u.WSURL), int(u.Tier), boolToInt(u.Archive), u.Weight,
		u.SoftLimit, u.HardLimit, u.MaxHeadAge.Milliseconds(), nullStr(u.AuthType),
		nullStr(u.AuthHeader), boolToInt(u.Enabled), u.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream")
}

// DeleteUpstream removes a configured upstream.
func (s *Store) DeleteUpstream(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM upstreams WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream")
}

func scanUpstream(sc scanner) (*rpcgate.UpstreamConfig, error) {
	var u rpcgate.UpstreamConfig
	var wsURL, authType, authHeader sql.NullString
	var tier, maxHeadAgeMs int
	var archive, enabled int

	err := sc.Scan(&u.ID, &u.Name, &u.HTTPURL, &wsURL, &tier, &archive, &u.Weight,
		&u.SoftLimit, &u.HardLimit, &maxHeadAgeMs, &authType, &authHeader, &enabled)
	if err != nil {
		return nil, notFoundErr(err)
	}

	u.WSURL = wsURL.String
	u.Tier = rpcgate.Tier(tier)
	u.Archive = archive != 0
	u.MaxHeadAge = time.Duration(maxHeadAgeMs) * time.Millisecond
	u.AuthType = authType.String
	u.AuthHeader = authHeader.String
	u.Enabled = enabled != 0
	return &u, nil
}
