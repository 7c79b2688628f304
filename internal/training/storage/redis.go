package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// 所有键共享 {train} hash tag，落在同一个 cluster slot，多键脚本与事务在 Redis Cluster 下同样可用
const (
	redisPeerSetKey    = "{train}:peers"
	redisPeerPrefix    = "{train}:peer:"
	redisSessionPrefix = "{train}:session:"
	redisOwnerPrefix   = "{train}:owner:"
	redisActivityKey   = "{train}:activity"
)

var upsertIdleScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[2], 'status')
if not status then
  redis.call('HSET', KEYS[2], 'status', 'IDLE', 'session_id', '', 'joined_at', ARGV[1], 'updated_at', ARGV[1], 'joined_ms', ARGV[2])
  redis.call('SADD', KEYS[1], ARGV[3])
  return 'IDLE'
end
if status == 'OFFLINE' then
  redis.call('HSET', KEYS[2], 'status', 'IDLE', 'joined_at', ARGV[1], 'updated_at', ARGV[1], 'joined_ms', ARGV[2])
  return 'IDLE'
end
return status
`)

var setOfflineScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 0 end
if status == 'OFFLINE' then return 1 end
if status == 'IDLE' then
  redis.call('HSET', KEYS[1], 'status', 'OFFLINE', 'updated_at', ARGV[1])
  return 1
end
return 2
`)

// reserveScript KEYS 为候选 peer 的 hash 键，ARGV[3+i] 是 KEYS[i] 对应的 uid
var reserveScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local idle = {}
for i, key in ipairs(KEYS) do
  if redis.call('HGET', key, 'status') == 'IDLE' then
    table.insert(idle, {ARGV[3 + i], tonumber(redis.call('HGET', key, 'joined_ms') or '0'), key})
  end
end
if #idle < n then return {0, tostring(#idle)} end
table.sort(idle, function(a, b)
  if a[2] == b[2] then return a[1] < b[1] end
  return a[2] < b[2]
end)
local out = {1}
for i = 1, n do
  redis.call('HSET', idle[i][3], 'status', 'LOCKED', 'session_id', ARGV[2], 'updated_at', ARGV[3])
  table.insert(out, idle[i][1])
end
return out
`)

// createSessionScript KEYS: 会话, owner 索引, n 个进度键, n 个 peer 索引
// ARGV: doc, status, dataset, score, session id, 初始 outcome, n 个超参数
var createSessionScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'doc', ARGV[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'dataset', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
local n = (#KEYS - 2) / 2
for i = 1, n do
  redis.call('HSET', KEYS[2 + i], 'outcome', ARGV[6], 'last_epoch', '0', 'hyperparameters', ARGV[6 + i])
  redis.call('ZADD', KEYS[2 + n + i], ARGV[4], ARGV[5])
end
return 1
`)

var transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
if ARGV[2] == 'IDLE' or ARGV[2] == 'OFFLINE' then
  redis.call('HSET', KEYS[1], 'session_id', '')
end
return 1
`)

var releaseScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  local status = redis.call('HGET', key, 'status')
  if status == 'LOCKED' or status == 'TRAINING' or status == 'DONE' then
    redis.call('HSET', key, 'status', 'IDLE', 'session_id', '', 'updated_at', ARGV[1])
  end
end
return 1
`)

var updateStatusScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
local allowed = false
for i = 7, #ARGV do
  if status == ARGV[i] then allowed = true end
end
if not allowed then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'error_kind', ARGV[3], 'error_reason', ARGV[4])
end
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'missing', ARGV[5])
end
redis.call('HSET', KEYS[1], ARGV[6], ARGV[2])
return 1
`)

var appendEpochScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local epoch = tonumber(ARGV[1])
local last = tonumber(redis.call('HGET', KEYS[1], 'last_epoch') or '0')
if epoch <= last then return 0 end
redis.call('HSET', KEYS[1], 'last_epoch', ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

var setFieldsIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// RedisStore Redis存储实现（注册表 + 会话结果）
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore 创建Redis存储实例
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func peerKey(uid string) string { return redisPeerPrefix + uid }

func peerSessionsKey(uid string) string { return redisPeerPrefix + uid + ":sessions" }

func sessionKey(id string) string { return redisSessionPrefix + id }

func progressKey(id, uid string) string { return redisSessionPrefix + id + ":peer:" + uid }

func resultsKey(id, uid string) string { return progressKey(id, uid) + ":results" }

func ownerSessionsKey(owner string) string { return redisOwnerPrefix + owner + ":sessions" }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// UpsertIdle 加入网络
func (s *RedisStore) UpsertIdle(ctx context.Context, uid string, at time.Time) (*PeerRecord, error) {
	_, err := upsertIdleScript.Run(ctx, s.client,
		[]string{redisPeerSetKey, peerKey(uid)},
		formatTime(at), at.UnixMilli(), uid,
	).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert peer")
	}
	return s.GetPeer(ctx, uid)
}

// SetOffline 离开网络
func (s *RedisStore) SetOffline(ctx context.Context, uid string, at time.Time) error {
	res, err := setOfflineScript.Run(ctx, s.client, []string{peerKey(uid)}, formatTime(at)).Int()
	if err != nil {
		return errors.Wrap(err, "failed to set peer offline")
	}
	switch res {
	case 0:
		return ErrNotFound
	case 2:
		return ErrPeerBusy
	default:
		return nil
	}
}

// Reserve 原子预留
//
// 候选集合先在脚本外读出并以 KEYS 传入，脚本内重新检查状态后加锁；
// 读取之后才加入的 peer 只是不参与本次预留。
func (s *RedisStore) Reserve(ctx context.Context, n int, sessionID string, exclude []string, at time.Time) ([]string, error) {
	members, err := s.client.SMembers(ctx, redisPeerSetKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list peers")
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, uid := range exclude {
		skip[uid] = struct{}{}
	}

	keys := make([]string, 0, len(members))
	args := []interface{}{n, sessionID, formatTime(at)}
	for _, uid := range members {
		if _, ok := skip[uid]; ok {
			continue
		}
		keys = append(keys, peerKey(uid))
		args = append(args, uid)
	}
	if len(keys) < n {
		return nil, errors.Wrapf(ErrInsufficientPeers, "requested %d, available %d", n, len(keys))
	}

	res, err := reserveScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve peers")
	}
	if len(res) == 0 {
		return nil, errors.New("unexpected reserve reply")
	}
	if ok, _ := res[0].(int64); ok != 1 {
		available := ""
		if len(res) > 1 {
			available, _ = res[1].(string)
		}
		return nil, errors.Wrapf(ErrInsufficientPeers, "requested %d, available %s", n, available)
	}

	uids := make([]string, 0, n)
	for _, v := range res[1:] {
		uid, _ := v.(string)
		uids = append(uids, uid)
	}
	return uids, nil
}

// Transition 单节点 CAS
func (s *RedisStore) Transition(ctx context.Context, uid string, from PeerStatus, to PeerStatus, at time.Time) error {
	res, err := transitionScript.Run(ctx, s.client, []string{peerKey(uid)}, string(from), string(to), formatTime(at)).Int()
	if err != nil {
		return errors.Wrap(err, "failed to transition peer")
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return errors.Wrapf(ErrInvalidTransition, "peer %s is not %s", uid, from)
	default:
		return nil
	}
}

// Release 幂等释放
func (s *RedisStore) Release(ctx context.Context, uids []string, at time.Time) error {
	if len(uids) == 0 {
		return nil
	}
	keys := make([]string, len(uids))
	for i, uid := range uids {
		keys[i] = peerKey(uid)
	}
	if err := releaseScript.Run(ctx, s.client, keys, formatTime(at)).Err(); err != nil {
		return errors.Wrap(err, "failed to release peers")
	}
	return nil
}

// GetPeer 获取节点
func (s *RedisStore) GetPeer(ctx context.Context, uid string) (*PeerRecord, error) {
	fields, err := s.client.HGetAll(ctx, peerKey(uid)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get peer")
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return peerFromHash(uid, fields), nil
}

// ListPeers 列出所有节点
func (s *RedisStore) ListPeers(ctx context.Context) ([]*PeerRecord, error) {
	uids, err := s.client.SMembers(ctx, redisPeerSetKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list peers")
	}

	cmds := make(map[string]*redis.MapStringStringCmd, len(uids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, uid := range uids {
			cmds[uid] = pipe.HGetAll(ctx, peerKey(uid))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load peers")
	}

	peers := make([]*PeerRecord, 0, len(uids))
	for _, uid := range uids {
		fields := cmds[uid].Val()
		if len(fields) == 0 {
			continue
		}
		peers = append(peers, peerFromHash(uid, fields))
	}
	sortPeers(peers)
	return peers, nil
}

func peerFromHash(uid string, fields map[string]string) *PeerRecord {
	p := &PeerRecord{
		UID:       uid,
		Status:    PeerStatus(fields["status"]),
		SessionID: fields["session_id"],
	}
	if t := parseTime(fields["joined_at"]); t != nil {
		p.JoinedAt = *t
	}
	if t := parseTime(fields["updated_at"]); t != nil {
		p.UpdatedAt = *t
	}
	return p
}

// sessionDoc 会话中创建后不再变化的字段
type sessionDoc struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	Name            string            `json:"name,omitempty"`
	PeerUIDs        []string          `json:"peer_uids"`
	Hyperparameters []Hyperparameters `json:"hyperparameters"`
	CreatedAt       time.Time         `json:"created_at"`
}

// CreateSession 创建会话，会话头、进度与索引在同一个脚本内写入
func (s *RedisStore) CreateSession(ctx context.Context, session *SessionRecord) error {
	doc, err := json.Marshal(sessionDoc{
		ID:              session.ID,
		OwnerID:         session.OwnerID,
		Name:            session.Name,
		PeerUIDs:        session.PeerUIDs,
		Hyperparameters: session.Hyperparameters,
		CreatedAt:       session.CreatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}
	dataset, err := json.Marshal(session.Dataset)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dataset info")
	}

	n := len(session.PeerUIDs)
	keys := make([]string, 2, 2+2*n)
	keys[0], keys[1] = sessionKey(session.ID), ownerSessionsKey(session.OwnerID)
	args := []interface{}{doc, string(session.Status), dataset, session.CreatedAt.UnixMilli(), session.ID, string(PeerOutcomePending)}
	for i, uid := range session.PeerUIDs {
		var hp Hyperparameters
		if i < len(session.Hyperparameters) {
			hp = session.Hyperparameters[i]
		}
		hpJSON, err := json.Marshal(hp)
		if err != nil {
			return errors.Wrap(err, "failed to marshal hyperparameters")
		}
		keys = append(keys, progressKey(session.ID, uid))
		args = append(args, hpJSON)
	}
	for _, uid := range session.PeerUIDs {
		keys = append(keys, peerSessionsKey(uid))
	}

	created, err := createSessionScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return errors.Wrap(err, "failed to save session")
	}
	if created == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetSession 在一个 MULTI 事务中读取会话与全部 peer 进度，保证快照一致
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	record, err := s.loadSessionHeader(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	progress := make(map[string]*redis.MapStringStringCmd, len(record.PeerUIDs))
	results := make(map[string]*redis.StringSliceCmd, len(record.PeerUIDs))
	var header *redis.MapStringStringCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		header = pipe.HGetAll(ctx, sessionKey(sessionID))
		for _, uid := range record.PeerUIDs {
			progress[uid] = pipe.HGetAll(ctx, progressKey(sessionID, uid))
			results[uid] = pipe.LRange(ctx, resultsKey(sessionID, uid), 0, -1)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session snapshot")
	}

	if err := applySessionHash(record, header.Val()); err != nil {
		return nil, err
	}

	record.Peers = make(map[string]*PeerProgress, len(record.PeerUIDs))
	for i, uid := range record.PeerUIDs {
		fields := progress[uid].Val()
		p := &PeerProgress{
			UID:     uid,
			Outcome: PeerOutcome(fields["outcome"]),
			Reason:  fields["reason"],
			Results: []EpochResult{},
		}
		if i < len(record.Hyperparameters) {
			p.Hyperparameters = record.Hyperparameters[i]
		}
		p.LastHeartbeatAt = parseTime(fields["last_heartbeat"])
		for _, raw := range results[uid].Val() {
			var r EpochResult
			if err := json.Unmarshal([]byte(raw), &r); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal epoch result")
			}
			p.Results = append(p.Results, r)
		}
		record.Peers[uid] = p
	}
	return record, nil
}

func (s *RedisStore) loadSessionHeader(ctx context.Context, sessionID string) (*SessionRecord, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session")
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	var doc sessionDoc
	if err := json.Unmarshal([]byte(fields["doc"]), &doc); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}
	record := &SessionRecord{
		ID:              doc.ID,
		OwnerID:         doc.OwnerID,
		Name:            doc.Name,
		PeerUIDs:        doc.PeerUIDs,
		Hyperparameters: doc.Hyperparameters,
		CreatedAt:       doc.CreatedAt,
	}
	if err := applySessionHash(record, fields); err != nil {
		return nil, err
	}
	return record, nil
}

func applySessionHash(record *SessionRecord, fields map[string]string) error {
	record.Status = SessionStatus(fields["status"])
	if raw := fields["dataset"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &record.Dataset); err != nil {
			return errors.Wrap(err, "failed to unmarshal dataset info")
		}
	}
	if kind := fields["error_kind"]; kind != "" {
		record.Error = &SessionError{Kind: kind, Reason: fields["error_reason"]}
	}
	if raw := fields["missing"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &record.MissingPeers); err != nil {
			return errors.Wrap(err, "failed to unmarshal missing peers")
		}
	}
	record.StartedAt = parseTime(fields["started_at"])
	record.CompletedAt = parseTime(fields["completed_at"])
	return nil
}

// SetDataset 记录数据集引用
func (s *RedisStore) SetDataset(ctx context.Context, sessionID string, dataset DatasetInfo) error {
	raw, err := json.Marshal(dataset)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dataset info")
	}
	return s.setFields(ctx, sessionKey(sessionID), "dataset", string(raw))
}

// UpdateStatus 单调状态变更
func (s *RedisStore) UpdateStatus(ctx context.Context, sessionID string, update StatusUpdate) error {
	at := update.At
	if at.IsZero() {
		at = time.Now()
	}
	var kind, reason, missing string
	if update.Error != nil {
		kind, reason = update.Error.Kind, update.Error.Reason
	}
	if len(update.MissingPeers) > 0 {
		raw, err := json.Marshal(update.MissingPeers)
		if err != nil {
			return errors.Wrap(err, "failed to marshal missing peers")
		}
		missing = string(raw)
	}
	timeField := "completed_at"
	if update.Status == SessionStatusRunning {
		timeField = "started_at"
	}

	args := []interface{}{string(update.Status), formatTime(at), kind, reason, missing, timeField}
	for _, src := range SessionSources(update.Status) {
		args = append(args, string(src))
	}

	res, err := updateStatusScript.Run(ctx, s.client, []string{sessionKey(sessionID)}, args...).Int()
	if err != nil {
		return errors.Wrap(err, "failed to update session status")
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return errors.Wrapf(ErrInvalidTransition, "session %s -> %s", sessionID, update.Status)
	default:
		return nil
	}
}

// AppendEpochResult 原子追加（Lua 保证 epoch 单调）
func (s *RedisStore) AppendEpochResult(ctx context.Context, sessionID string, peerUID string, result EpochResult) (bool, error) {
	if result.Epoch <= 0 {
		return false, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal epoch result")
	}

	res, err := appendEpochScript.Run(ctx, s.client,
		[]string{progressKey(sessionID, peerUID), resultsKey(sessionID, peerUID)},
		result.Epoch, string(raw),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "failed to append epoch result")
	}
	if res == -1 {
		return false, errors.Wrapf(ErrNotFound, "peer %s is not part of session %s", peerUID, sessionID)
	}
	return res == 1, nil
}

// SetPeerOutcome 记录 peer 完成情况
func (s *RedisStore) SetPeerOutcome(ctx context.Context, sessionID string, peerUID string, outcome PeerOutcome, reason string) error {
	return s.setFields(ctx, progressKey(sessionID, peerUID), "outcome", string(outcome), "reason", reason)
}

// TouchPeer 更新心跳时间
func (s *RedisStore) TouchPeer(ctx context.Context, sessionID string, peerUID string, at time.Time) error {
	return s.setFields(ctx, progressKey(sessionID, peerUID), "last_heartbeat", formatTime(at))
}

func (s *RedisStore) setFields(ctx context.Context, key string, pairs ...interface{}) error {
	res, err := setFieldsIfExistsScript.Run(ctx, s.client, []string{key}, pairs...).Int()
	if err != nil {
		return errors.Wrap(err, "failed to update record")
	}
	if res == -1 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner 列出用户创建的会话
func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]*SessionRecord, error) {
	return s.listIndex(ctx, ownerSessionsKey(ownerID))
}

// ListByPeer 列出用户作为 peer 参与的会话
func (s *RedisStore) ListByPeer(ctx context.Context, peerUID string) ([]*SessionRecord, error) {
	return s.listIndex(ctx, peerSessionsKey(peerUID))
}

func (s *RedisStore) listIndex(ctx context.Context, key string) ([]*SessionRecord, error) {
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	out := make([]*SessionRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.loadSessionHeader(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// AppendActivity 追加审计记录，列表只保留最新的 MaxActivity 条
func (s *RedisStore) AppendActivity(ctx context.Context, record ActivityRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal activity")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, redisActivityKey, raw)
		pipe.LTrim(ctx, redisActivityKey, 0, MaxActivity-1)
		return nil
	})
	return errors.Wrap(err, "failed to append activity")
}

// ListActivity 最新的在前
func (s *RedisStore) ListActivity(ctx context.Context, limit int) ([]ActivityRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := s.client.LRange(ctx, redisActivityKey, 0, stop).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list activity")
	}
	out := make([]ActivityRecord, 0, len(raws))
	for _, raw := range raws {
		var r ActivityRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal activity")
		}
		out = append(out, r)
	}
	return out, nil
}

func sortPeers(peers []*PeerRecord) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].UID < peers[j].UID })
}
