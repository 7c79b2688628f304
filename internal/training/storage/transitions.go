package storage

// CanTransitionPeer 注册表状态机：IDLE -> LOCKED -> TRAINING -> DONE -> IDLE
func CanTransitionPeer(current, next PeerStatus) bool {
	switch current {
	case PeerStatusIdle:
		return next == PeerStatusLocked || next == PeerStatusOffline
	case PeerStatusLocked:
		return next == PeerStatusTraining
	case PeerStatusTraining:
		return next == PeerStatusDone
	case PeerStatusDone:
		return next == PeerStatusIdle
	case PeerStatusOffline:
		return next == PeerStatusIdle
	default:
		return false
	}
}

// Releasable 释放（补偿）边：被会话占用的状态都可以直接回到 IDLE
func Releasable(status PeerStatus) bool {
	return status == PeerStatusLocked || status == PeerStatusTraining || status == PeerStatusDone
}

// CanTransitionSession 会话状态单调前进，终态不可再变
func CanTransitionSession(current, next SessionStatus) bool {
	switch current {
	case SessionStatusCreated:
		return next == SessionStatusRunning || next == SessionStatusFailed
	case SessionStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// SessionSources 返回可以跳转到 next 的所有状态
func SessionSources(next SessionStatus) []SessionStatus {
	var sources []SessionStatus
	for _, s := range []SessionStatus{SessionStatusCreated, SessionStatusRunning} {
		if CanTransitionSession(s, next) {
			sources = append(sources, s)
		}
	}
	return sources
}

func clonePeer(p *PeerRecord) *PeerRecord {
	c := *p
	return &c
}

func cloneSession(s *SessionRecord) *SessionRecord {
	c := *s
	c.PeerUIDs = append([]string(nil), s.PeerUIDs...)
	c.Hyperparameters = append([]Hyperparameters(nil), s.Hyperparameters...)
	c.MissingPeers = append([]string(nil), s.MissingPeers...)
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	c.Peers = nil
	return &c
}

func cloneProgress(p *PeerProgress) *PeerProgress {
	c := *p
	c.Results = append([]EpochResult{}, p.Results...)
	if p.LastHeartbeatAt != nil {
		t := *p.LastHeartbeatAt
		c.LastHeartbeatAt = &t
	}
	return &c
}

func newProgress(s *SessionRecord) map[string]*PeerProgress {
	peers := make(map[string]*PeerProgress, len(s.PeerUIDs))
	for i, uid := range s.PeerUIDs {
		var hp Hyperparameters
		if i < len(s.Hyperparameters) {
			hp = s.Hyperparameters[i]
		}
		peers[uid] = &PeerProgress{
			UID:             uid,
			Hyperparameters: hp,
			Outcome:         PeerOutcomePending,
			Results:         []EpochResult{},
		}
	}
	return peers
}
