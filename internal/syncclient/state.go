package syncclient

import (
	"sort"
	"sync"
	"time"
)

// Snapshot はStateのある時点の写し。
type Snapshot struct {
	Conversations       []Conversation
	TotalUnread         int
	UnreadNotifications int
	ConversationsAt     time.Time
	BadgesAt            time.Time
}

// State はポーリング結果を保持する。
// 取得した一覧はIDで突き合わせて反映する。全件のスナップショットに含まれないIDは削除する。
type State struct {
	mu sync.RWMutex

	conversations   map[string]Conversation
	messages        map[string]map[string]Message // conversationID -> messageID -> Message
	totalUnread     int
	unreadNotifs    int
	conversationsAt time.Time
	badgesAt        time.Time
}

// NewState は空のStateを生成する。
func NewState() *State {
	return &State{
		conversations: make(map[string]Conversation),
		messages:      make(map[string]map[string]Message),
	}
}

// ApplyConversations は会話一覧の全件スナップショットを反映し、変更があったかを返す。
func (s *State) ApplyConversations(list []Conversation, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	seen := make(map[string]struct{}, len(list))
	for _, c := range list {
		seen[c.ID] = struct{}{}
		if prev, ok := s.conversations[c.ID]; !ok || !sameConversation(prev, c) {
			changed = true
		}
		s.conversations[c.ID] = c
	}
	for id := range s.conversations {
		if _, ok := seen[id]; !ok {
			delete(s.conversations, id)
			delete(s.messages, id)
			changed = true
		}
	}
	s.conversationsAt = at
	return changed
}

// ApplyMessages は会話のメッセージを反映し、変更があったかを返す。
// fullがtrueの場合は全件のスナップショットとして扱い、含まれないメッセージを削除する。
func (s *State) ApplyMessages(conversationID string, list []Message, full bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.messages[conversationID]
	if !ok {
		byID = make(map[string]Message, len(list))
		s.messages[conversationID] = byID
	}

	changed := false
	seen := make(map[string]struct{}, len(list))
	for _, m := range list {
		seen[m.ID] = struct{}{}
		if prev, ok := byID[m.ID]; !ok || prev != m {
			changed = true
		}
		byID[m.ID] = m
	}
	if full {
		for id := range byID {
			if _, ok := seen[id]; !ok {
				delete(byID, id)
				changed = true
			}
		}
	}
	return changed
}

// SetBadges は未読数のバッジを更新し、変更があったかを返す。
func (s *State) SetBadges(totalUnread, unreadNotifications int, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.totalUnread != totalUnread || s.unreadNotifs != unreadNotifications
	s.totalUnread = totalUnread
	s.unreadNotifs = unreadNotifications
	s.badgesAt = at
	return changed
}

// Conversations は会話をLastMessageAtの新しい順に返す。同時刻はID順。
func (s *State) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedConversations()
}

func (s *State) sortedConversations() []Conversation {
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages は会話のメッセージを(CreatedAt, Seq)の昇順で返す。
func (s *State) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.messages[conversationID]
	out := make([]Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// LastSeq は会話で保持している最大のSeqを返す。
func (s *State) LastSeq(conversationID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last int64
	for _, m := range s.messages[conversationID] {
		if m.Seq > last {
			last = m.Seq
		}
	}
	return last
}

// Snapshot は現在の状態の写しを返す。
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Conversations:       s.sortedConversations(),
		TotalUnread:         s.totalUnread,
		UnreadNotifications: s.unreadNotifs,
		ConversationsAt:     s.conversationsAt,
		BadgesAt:            s.badgesAt,
	}
}

func sameConversation(a, b Conversation) bool {
	if a.ID != b.ID || a.LastMessage != b.LastMessage || !a.LastMessageAt.Equal(b.LastMessageAt) ||
		a.MyUnread != b.MyUnread || len(a.UnreadCount) != len(b.UnreadCount) {
		return false
	}
	for k, v := range a.UnreadCount {
		if b.UnreadCount[k] != v {
			return false
		}
	}
	if (a.OtherUser == nil) != (b.OtherUser == nil) {
		return false
	}
	return a.OtherUser == nil || *a.OtherUser == *b.OtherUser
}
