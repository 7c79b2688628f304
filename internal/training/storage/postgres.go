package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

//go:embed schema.sql
var postgresSchema string

// Migrate 创建 PostgreSQL 表结构（幂等）
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return errors.Wrap(err, "failed to apply training schema")
	}
	return nil
}

// PostgresStore PostgreSQL 存储实现
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建 PostgreSQL 存储
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) inTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// UpsertIdle 加入网络
func (s *PostgresStore) UpsertIdle(ctx context.Context, uid string, at time.Time) (*PeerRecord, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO training_peers (uid, status, session_id, joined_at, updated_at)
		VALUES ($1, 'IDLE', '', $2, $2)
		ON CONFLICT (uid) DO UPDATE
		SET status = 'IDLE', joined_at = EXCLUDED.joined_at, updated_at = EXCLUDED.updated_at
		WHERE training_peers.status = 'OFFLINE'`, uid, at.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert peer")
	}
	return s.GetPeer(ctx, uid)
}

// SetOffline 离开网络
func (s *PostgresStore) SetOffline(ctx context.Context, uid string, at time.Time) error {
	return s.inTx(ctx, nil, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM training_peers WHERE uid = $1 FOR UPDATE`, uid).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "failed to load peer")
		}
		switch PeerStatus(status) {
		case PeerStatusOffline:
			return nil
		case PeerStatusIdle:
			_, err = tx.ExecContext(ctx, `UPDATE training_peers SET status = 'OFFLINE', updated_at = $2 WHERE uid = $1`, uid, at.UTC())
			return errors.Wrap(err, "failed to set peer offline")
		default:
			return ErrPeerBusy
		}
	})
}

// Reserve 在一个事务中锁定并预留 n 个 IDLE 节点
func (s *PostgresStore) Reserve(ctx context.Context, n int, sessionID string, exclude []string, at time.Time) ([]string, error) {
	if exclude == nil {
		exclude = []string{}
	}
	var uids []string
	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT uid FROM training_peers
			WHERE status = 'IDLE' AND NOT (uid = ANY($2))
			ORDER BY joined_at, uid
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, n, pq.Array(exclude))
		if err != nil {
			return errors.Wrap(err, "failed to select idle peers")
		}
		defer rows.Close()
		for rows.Next() {
			var uid string
			if err := rows.Scan(&uid); err != nil {
				return errors.Wrap(err, "failed to scan peer")
			}
			uids = append(uids, uid)
		}
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "failed to iterate peers")
		}
		if len(uids) < n {
			return errors.Wrapf(ErrInsufficientPeers, "requested %d, available %d", n, len(uids))
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE training_peers SET status = 'LOCKED', session_id = $2, updated_at = $3
			WHERE uid = ANY($1)`, pq.Array(uids), sessionID, at.UTC())
		return errors.Wrap(err, "failed to lock peers")
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

// Transition 单节点 CAS
func (s *PostgresStore) Transition(ctx context.Context, uid string, from PeerStatus, to PeerStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE training_peers
		SET status = $3,
		    session_id = CASE WHEN $3 IN ('IDLE', 'OFFLINE') THEN '' ELSE session_id END,
		    updated_at = $4
		WHERE uid = $1 AND status = $2`, uid, string(from), string(to), at.UTC())
	if err != nil {
		return errors.Wrap(err, "failed to transition peer")
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return nil
	}
	if _, err := s.GetPeer(ctx, uid); err != nil {
		return err
	}
	return errors.Wrapf(ErrInvalidTransition, "peer %s is not %s", uid, from)
}

// Release 幂等释放
func (s *PostgresStore) Release(ctx context.Context, uids []string, at time.Time) error {
	if len(uids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE training_peers SET status = 'IDLE', session_id = '', updated_at = $2
		WHERE uid = ANY($1) AND status IN ('LOCKED', 'TRAINING', 'DONE')`, pq.Array(uids), at.UTC())
	return errors.Wrap(err, "failed to release peers")
}

// GetPeer 获取节点
func (s *PostgresStore) GetPeer(ctx context.Context, uid string) (*PeerRecord, error) {
	p := &PeerRecord{}
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, status, session_id, joined_at, updated_at FROM training_peers WHERE uid = $1`, uid).
		Scan(&p.UID, &status, &p.SessionID, &p.JoinedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get peer")
	}
	p.Status = PeerStatus(status)
	return p, nil
}

// ListPeers 列出所有节点
func (s *PostgresStore) ListPeers(ctx context.Context) ([]*PeerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, status, session_id, joined_at, updated_at FROM training_peers ORDER BY uid`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list peers")
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		p := &PeerRecord{}
		var status string
		if err := rows.Scan(&p.UID, &status, &p.SessionID, &p.JoinedAt, &p.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan peer")
		}
		p.Status = PeerStatus(status)
		peers = append(peers, p)
	}
	return peers, errors.Wrap(rows.Err(), "failed to iterate peers")
}

// CreateSession 创建会话及每个 peer 的进度行
func (s *PostgresStore) CreateSession(ctx context.Context, session *SessionRecord) error {
	dataset, err := json.Marshal(session.Dataset)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dataset info")
	}

	return s.inTx(ctx, nil, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO training_sessions (id, owner_id, name, peer_uids, dataset, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			session.ID, session.OwnerID, session.Name, pq.Array(session.PeerUIDs), dataset,
			string(session.Status), session.CreatedAt.UTC())
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		if err != nil {
			return errors.Wrap(err, "failed to insert session")
		}

		for i, uid := range session.PeerUIDs {
			var hp Hyperparameters
			if i < len(session.Hyperparameters) {
				hp = session.Hyperparameters[i]
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO training_session_peers
				    (session_id, uid, position, learning_rate, batch_size, epochs, outcome)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				session.ID, uid, i, hp.LearningRate, hp.BatchSize, hp.Epochs, string(PeerOutcomePending))
			if err != nil {
				return errors.Wrap(err, "failed to insert session peer")
			}
		}
		return nil
	})
}

const sessionColumns = `id, owner_id, name, peer_uids, dataset, status, error_kind, error_reason,
	missing_peers, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	r := &SessionRecord{}
	var (
		status, errKind, errReason string
		dataset                    []byte
		startedAt, completedAt     pq.NullTime
	)
	err := row.Scan(&r.ID, &r.OwnerID, &r.Name, pq.Array(&r.PeerUIDs), &dataset, &status,
		&errKind, &errReason, pq.Array(&r.MissingPeers), &r.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Status = SessionStatus(status)
	if errKind != "" {
		r.Error = &SessionError{Kind: errKind, Reason: errReason}
	}
	if len(r.MissingPeers) == 0 {
		r.MissingPeers = nil
	}
	if len(dataset) > 0 {
		if err := json.Unmarshal(dataset, &r.Dataset); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal dataset info")
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return r, nil
}

// GetSession 在只读 REPEATABLE READ 事务中读取，保证快照一致
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var record *SessionRecord
	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	err := s.inTx(ctx, opts, func(tx *sql.Tx) error {
		var err error
		record, err = scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM training_sessions WHERE id = $1`, sessionID))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "failed to get session")
		}

		peers, hps, err := loadProgress(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		record.Peers = peers
		record.Hyperparameters = hps
		return loadResults(ctx, tx, sessionID, peers)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func loadProgress(ctx context.Context, tx *sql.Tx, sessionID string) (map[string]*PeerProgress, []Hyperparameters, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT uid, learning_rate, batch_size, epochs, outcome, reason, last_heartbeat_at
		FROM training_session_peers WHERE session_id = $1 ORDER BY position`, sessionID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load session peers")
	}
	defer rows.Close()

	peers := make(map[string]*PeerProgress)
	var hps []Hyperparameters
	for rows.Next() {
		p := &PeerProgress{Results: []EpochResult{}}
		var (
			outcome   string
			heartbeat pq.NullTime
		)
		err := rows.Scan(&p.UID, &p.Hyperparameters.LearningRate, &p.Hyperparameters.BatchSize,
			&p.Hyperparameters.Epochs, &outcome, &p.Reason, &heartbeat)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to scan session peer")
		}
		p.Outcome = PeerOutcome(outcome)
		if heartbeat.Valid {
			t := heartbeat.Time
			p.LastHeartbeatAt = &t
		}
		peers[p.UID] = p
		hps = append(hps, p.Hyperparameters)
	}
	return peers, hps, errors.Wrap(rows.Err(), "failed to iterate session peers")
}

func loadResults(ctx context.Context, tx *sql.Tx, sessionID string, peers map[string]*PeerProgress) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT uid, epoch, loss, accuracy, recorded_at
		FROM training_epoch_results WHERE session_id = $1 ORDER BY uid, epoch`, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to load epoch results")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			uid string
			r   EpochResult
		)
		if err := rows.Scan(&uid, &r.Epoch, &r.Loss, &r.Accuracy, &r.Timestamp); err != nil {
			return errors.Wrap(err, "failed to scan epoch result")
		}
		if p, ok := peers[uid]; ok {
			p.Results = append(p.Results, r)
		}
	}
	return errors.Wrap(rows.Err(), "failed to iterate epoch results")
}

// SetDataset 记录数据集引用
func (s *PostgresStore) SetDataset(ctx context.Context, sessionID string, dataset DatasetInfo) error {
	raw, err := json.Marshal(dataset)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dataset info")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE training_sessions SET dataset = $2 WHERE id = $1`, sessionID, raw)
	if err != nil {
		return errors.Wrap(err, "failed to set dataset")
	}
	return requireAffected(res)
}

// UpdateStatus 单调状态变更
func (s *PostgresStore) UpdateStatus(ctx context.Context, sessionID string, update StatusUpdate) error {
	at := update.At
	if at.IsZero() {
		at = time.Now()
	}
	var kind, reason string
	if update.Error != nil {
		kind, reason = update.Error.Kind, update.Error.Reason
	}
	missing := update.MissingPeers
	if missing == nil {
		missing = []string{}
	}
	sources := make([]string, 0, 2)
	for _, src := range SessionSources(update.Status) {
		sources = append(sources, string(src))
	}

	timeColumn := "completed_at"
	if update.Status == SessionStatusRunning {
		timeColumn = "started_at"
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE training_sessions
		SET status = $2,
		    error_kind = CASE WHEN $3 <> '' THEN $3 ELSE error_kind END,
		    error_reason = CASE WHEN $3 <> '' THEN $4 ELSE error_reason END,
		    missing_peers = CASE WHEN cardinality($5::text[]) > 0 THEN $5 ELSE missing_peers END,
		    `+timeColumn+` = $6
		WHERE id = $1 AND status = ANY($7)`,
		sessionID, string(update.Status), kind, reason, pq.Array(missing), at.UTC(), pq.Array(sources))
	if err != nil {
		return errors.Wrap(err, "failed to update session status")
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM training_sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return errors.Wrap(err, "failed to check session")
	}
	if !exists {
		return ErrNotFound
	}
	return errors.Wrapf(ErrInvalidTransition, "session %s -> %s", sessionID, update.Status)
}

// AppendEpochResult 锁定 peer 进度行后比较并追加
func (s *PostgresStore) AppendEpochResult(ctx context.Context, sessionID string, peerUID string, result EpochResult) (bool, error) {
	if result.Epoch <= 0 {
		return false, nil
	}
	appended := false
	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		var uid string
		err := tx.QueryRowContext(ctx, `
			SELECT uid FROM training_session_peers WHERE session_id = $1 AND uid = $2 FOR UPDATE`,
			sessionID, peerUID).Scan(&uid)
		if err == sql.ErrNoRows {
			return errors.Wrapf(ErrNotFound, "peer %s is not part of session %s", peerUID, sessionID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to lock session peer")
		}

		var last int
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(epoch), 0) FROM training_epoch_results WHERE session_id = $1 AND uid = $2`,
			sessionID, peerUID).Scan(&last)
		if err != nil {
			return errors.Wrap(err, "failed to read last epoch")
		}
		if result.Epoch <= last {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO training_epoch_results (session_id, uid, epoch, loss, accuracy, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			sessionID, peerUID, result.Epoch, result.Loss, result.Accuracy, result.Timestamp.UTC())
		if err != nil {
			return errors.Wrap(err, "failed to insert epoch result")
		}
		appended = true
		return nil
	})
	return appended, err
}

// SetPeerOutcome 记录 peer 完成情况
func (s *PostgresStore) SetPeerOutcome(ctx context.Context, sessionID string, peerUID string, outcome PeerOutcome, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE training_session_peers SET outcome = $3, reason = $4 WHERE session_id = $1 AND uid = $2`,
		sessionID, peerUID, string(outcome), reason)
	if err != nil {
		return errors.Wrap(err, "failed to set peer outcome")
	}
	return requireAffected(res)
}

// TouchPeer 更新心跳时间
func (s *PostgresStore) TouchPeer(ctx context.Context, sessionID string, peerUID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE training_session_peers SET last_heartbeat_at = $3 WHERE session_id = $1 AND uid = $2`,
		sessionID, peerUID, at.UTC())
	if err != nil {
		return errors.Wrap(err, "failed to touch peer")
	}
	return requireAffected(res)
}

// ListByOwner 列出用户创建的会话
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*SessionRecord, error) {
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM training_sessions
		WHERE owner_id = $1 ORDER BY created_at`, ownerID)
}

// ListByPeer 列出用户作为 peer 参与的会话
func (s *PostgresStore) ListByPeer(ctx context.Context, peerUID string) ([]*SessionRecord, error) {
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM training_sessions
		WHERE $1 = ANY(peer_uids) ORDER BY created_at`, peerUID)
}

func (s *PostgresStore) listSessions(ctx context.Context, query string, arg string) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan session")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate sessions")
}

// AppendActivity 追加审计记录（表不截断，读取时最多返回 MaxActivity 条）
func (s *PostgresStore) AppendActivity(ctx context.Context, record ActivityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO training_activity (action, user_id, session_id, at)
		VALUES ($1, $2, $3, $4)`,
		string(record.Action), record.UserID, record.SessionID, record.At.UTC())
	return errors.Wrap(err, "failed to append activity")
}

// ListActivity 最新的在前
func (s *PostgresStore) ListActivity(ctx context.Context, limit int) ([]ActivityRecord, error) {
	if limit <= 0 || limit > MaxActivity {
		limit = MaxActivity
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, user_id, session_id, at FROM training_activity
		ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list activity")
	}
	defer rows.Close()

	out := []ActivityRecord{}
	for rows.Next() {
		var r ActivityRecord
		var action string
		if err := rows.Scan(&action, &r.UserID, &r.SessionID, &r.At); err != nil {
			return nil, errors.Wrap(err, "failed to scan activity")
		}
		r.Action = ActivityAction(action)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate activity")
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
