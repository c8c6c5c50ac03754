package repository

import (
	"context"
	"sort"
	"time"

	"github.com/hitoshi/dmnotify/internal/model"
)

// MemoryUserRepo はMemoryStore上のユーザーリポジトリ。
type MemoryUserRepo struct{ s *MemoryStore }

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	defer r.s.lock(ctx)()
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// MemoryPostRepo はMemoryStore上のPost Directory。
type MemoryPostRepo struct{ s *MemoryStore }

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *MemoryPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	defer r.s.lock(ctx)()
	p, ok := r.s.posts[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// MemoryConversationRepo はMemoryStore上の会話リポジトリ。
type MemoryConversationRepo struct{ s *MemoryStore }

// snapshot はロック保持中に会話のコピーを未読数付きで作る。
func (r *MemoryConversationRepo) snapshot(conv *model.Conversation) *model.Conversation {
	c := *conv
	c.UnreadCount = map[string]int{
		c.ParticipantIDs[0]: r.s.counters[counterKey{c.ID, c.ParticipantIDs[0]}],
		c.ParticipantIDs[1]: r.s.counters[counterKey{c.ID, c.ParticipantIDs[1]}],
	}
	return &c
}

// FindByID は指定IDの会話を取得する。見つからない場合はnilを返す。
func (r *MemoryConversationRepo) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer r.s.lock(ctx)()
	conv, ok := r.s.conversations[id]
	if !ok {
		return nil, nil
	}
	return r.snapshot(conv), nil
}

// FindByPairKey は正規化済み参加者ペアのキーで会話を取得する。見つからない場合はnilを返す。
func (r *MemoryConversationRepo) FindByPairKey(ctx context.Context, pairKey string) (*model.Conversation, error) {
	defer r.s.lock(ctx)()
	id, ok := r.s.pairIndex[pairKey]
	if !ok {
		return nil, nil
	}
	return r.snapshot(r.s.conversations[id]), nil
}

// Create は会話を作成する。同じPairKeyが既に存在する場合はConflictを返す。
func (r *MemoryConversationRepo) Create(ctx context.Context, conv *model.Conversation) error {
	defer r.s.lock(ctx)()
	if _, exists := r.s.pairIndex[conv.PairKey]; exists {
		return model.NewConflictError(conv.PairKey)
	}

	c := *conv
	c.UnreadCount = nil
	r.s.conversations[c.ID] = &c
	r.s.pairIndex[c.PairKey] = c.ID
	r.s.onRollback(ctx, func() {
		delete(r.s.conversations, c.ID)
		delete(r.s.pairIndex, c.PairKey)
	})
	return nil
}

// ListByParticipant はユーザーが参加する会話をLastMessageAt降順で返す。
func (r *MemoryConversationRepo) ListByParticipant(ctx context.Context, userID string) ([]*model.Conversation, error) {
	defer r.s.lock(ctx)()
	var convs []*model.Conversation
	for _, conv := range r.s.conversations {
		if conv.HasParticipant(userID) {
			convs = append(convs, r.snapshot(conv))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return convs[i].ID < convs[j].ID
	})
	return convs, nil
}

// UpdateLastMessage は会話一覧表示用の最終メッセージと日時を更新する。
func (r *MemoryConversationRepo) UpdateLastMessage(ctx context.Context, id, lastMessage string, at time.Time) error {
	defer r.s.lock(ctx)()
	conv, ok := r.s.conversations[id]
	if !ok {
		return nil
	}
	prevMessage, prevAt := conv.LastMessage, conv.LastMessageAt
	conv.LastMessage, conv.LastMessageAt = lastMessage, at
	r.s.onRollback(ctx, func() {
		conv.LastMessage, conv.LastMessageAt = prevMessage, prevAt
	})
	return nil
}

// MemoryMessageRepo はMemoryStore上のメッセージリポジトリ。
type MemoryMessageRepo struct{ s *MemoryStore }

// Create はメッセージを追記し、Seqを採番する。
func (r *MemoryMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	defer r.s.lock(ctx)()
	r.s.msgSeq++
	msg.Seq = r.s.msgSeq

	m := *msg
	list := r.s.messages[m.ConversationID]
	r.s.messages[m.ConversationID] = append(list, &m)
	r.s.onRollback(ctx, func() {
		r.s.messages[m.ConversationID] = list
	})
	return nil
}

// ListByConversation は会話のメッセージをCreatedAt昇順、同時刻はSeq昇順で返す。
func (r *MemoryMessageRepo) ListByConversation(ctx context.Context, conversationID string, opts model.MessageListOptions) ([]*model.Message, error) {
	defer r.s.lock(ctx)()
	var msgs []*model.Message
	for _, m := range r.s.messages[conversationID] {
		if opts.AfterSeq > 0 && m.Seq <= opts.AfterSeq {
			continue
		}
		c := *m
		msgs = append(msgs, &c)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[:opts.Limit]
	}
	return msgs, nil
}

// MarkReadForReceiver は受信者がreceiverIDである未読メッセージを既読にし、更新件数を返す。
func (r *MemoryMessageRepo) MarkReadForReceiver(ctx context.Context, conversationID, receiverID string) (int, error) {
	defer r.s.lock(ctx)()
	var flipped []*model.Message
	for _, m := range r.s.messages[conversationID] {
		if m.ReceiverID == receiverID && !m.Read {
			m.Read = true
			flipped = append(flipped, m)
		}
	}
	r.s.onRollback(ctx, func() {
		for _, m := range flipped {
			m.Read = false
		}
	})
	return len(flipped), nil
}

// MemoryUnreadCounterRepo はMemoryStore上の未読カウンタリポジトリ。
type MemoryUnreadCounterRepo struct{ s *MemoryStore }

// setCounter はロック保持中にカウンタを書き換え、取り消し操作を記録する。
func (r *MemoryUnreadCounterRepo) setCounter(ctx context.Context, key counterKey, value int) {
	prev, existed := r.s.counters[key]
	r.s.counters[key] = value
	r.s.onRollback(ctx, func() {
		if existed {
			r.s.counters[key] = prev
		} else {
			delete(r.s.counters, key)
		}
	})
}

// Increment はカウンタを1増やし、増加後の値を返す。
func (r *MemoryUnreadCounterRepo) Increment(ctx context.Context, conversationID, participantID string) (int, error) {
	defer r.s.lock(ctx)()
	key := counterKey{conversationID, participantID}
	next := r.s.counters[key] + 1
	r.setCounter(ctx, key, next)
	return next, nil
}

// Reset はカウンタを0にする。
func (r *MemoryUnreadCounterRepo) Reset(ctx context.Context, conversationID, participantID string) error {
	defer r.s.lock(ctx)()
	r.setCounter(ctx, counterKey{conversationID, participantID}, 0)
	return nil
}

// DeleteStale は会話の参加者以外をキーとするカウンタを削除する。
func (r *MemoryUnreadCounterRepo) DeleteStale(ctx context.Context, conversationID string, participants [2]string) (int, error) {
	defer r.s.lock(ctx)()
	removed := 0
	for key, value := range r.s.counters {
		if key.conversationID != conversationID {
			continue
		}
		if key.participantID == participants[0] || key.participantID == participants[1] {
			continue
		}
		delete(r.s.counters, key)
		k, v := key, value
		r.s.onRollback(ctx, func() { r.s.counters[k] = v })
		removed++
	}
	return removed, nil
}

// DeleteAllStale は全会話を対象に参加者以外のカウンタと、会話が存在しないカウンタを削除する。
func (r *MemoryUnreadCounterRepo) DeleteAllStale(ctx context.Context) (int64, error) {
	defer r.s.lock(ctx)()
	var removed int64
	for key, value := range r.s.counters {
		conv, ok := r.s.conversations[key.conversationID]
		if ok && conv.HasParticipant(key.participantID) {
			continue
		}
		delete(r.s.counters, key)
		k, v := key, value
		r.s.onRollback(ctx, func() { r.s.counters[k] = v })
		removed++
	}
	return removed, nil
}

// SumForUser はユーザーが参加する全会話の未読数の合計を返す。
func (r *MemoryUnreadCounterRepo) SumForUser(ctx context.Context, userID string) (int, error) {
	defer r.s.lock(ctx)()
	total := 0
	for key, value := range r.s.counters {
		if key.participantID != userID {
			continue
		}
		conv, ok := r.s.conversations[key.conversationID]
		if !ok || !conv.HasParticipant(userID) {
			continue
		}
		total += value
	}
	return total, nil
}

// MemoryNotificationRepo はMemoryStore上の通知リポジトリ。
type MemoryNotificationRepo struct{ s *MemoryStore }

// Create は通知を作成する。
func (r *MemoryNotificationRepo) Create(ctx context.Context, n *model.Notification) error {
	defer r.s.lock(ctx)()
	c := *n
	r.s.notifications[c.ID] = &c
	r.s.onRollback(ctx, func() { delete(r.s.notifications, c.ID) })
	return nil
}

// FindByID は指定IDの通知を取得する。見つからない場合はnilを返す。
func (r *MemoryNotificationRepo) FindByID(ctx context.Context, id string) (*model.Notification, error) {
	defer r.s.lock(ctx)()
	n, ok := r.s.notifications[id]
	if !ok {
		return nil, nil
	}
	c := *n
	return &c, nil
}

// ListByUser はユーザー宛の通知をCreatedAt降順で最大limit件返す。
func (r *MemoryNotificationRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	defer r.s.lock(ctx)()
	var list []*model.Notification
	for _, n := range r.s.notifications {
		if n.UserID == userID {
			c := *n
			list = append(list, &c)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// MarkRead はユーザー宛の指定通知を既読にする。
func (r *MemoryNotificationRepo) MarkRead(ctx context.Context, userID, id string) (bool, error) {
	defer r.s.lock(ctx)()
	n, ok := r.s.notifications[id]
	if !ok || n.UserID != userID {
		return false, nil
	}
	prev := n.IsRead
	n.IsRead = true
	r.s.onRollback(ctx, func() { n.IsRead = prev })
	return true, nil
}

// MarkAllRead はユーザー宛の未読通知をすべて既読にし、更新件数を返す。
func (r *MemoryNotificationRepo) MarkAllRead(ctx context.Context, userID string) (int, error) {
	defer r.s.lock(ctx)()
	var flipped []*model.Notification
	for _, n := range r.s.notifications {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			flipped = append(flipped, n)
		}
	}
	r.s.onRollback(ctx, func() {
		for _, n := range flipped {
			n.IsRead = false
		}
	})
	return len(flipped), nil
}

// CountUnread はユーザー宛の未読通知数を返す。
func (r *MemoryNotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	defer r.s.lock(ctx)()
	count := 0
	for _, n := range r.s.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

// MemoryLikeRepo はMemoryStore上のいいねリポジトリ。
type MemoryLikeRepo struct{ s *MemoryStore }

// Create はいいねを作成する。既に存在する場合はfalseを返す。
func (r *MemoryLikeRepo) Create(ctx context.Context, like *model.Like) (bool, error) {
	defer r.s.lock(ctx)()
	key := likeKey{like.PostID, like.UserID}
	if _, exists := r.s.likes[key]; exists {
		return false, nil
	}
	r.s.likes[key] = like.CreatedAt
	r.s.onRollback(ctx, func() { delete(r.s.likes, key) })
	return true, nil
}

// Delete はいいねを削除する。存在しなかった場合はfalseを返す。
func (r *MemoryLikeRepo) Delete(ctx context.Context, postID, userID string) (bool, error) {
	defer r.s.lock(ctx)()
	key := likeKey{postID, userID}
	at, exists := r.s.likes[key]
	if !exists {
		return false, nil
	}
	delete(r.s.likes, key)
	r.s.onRollback(ctx, func() { r.s.likes[key] = at })
	return true, nil
}

// MemoryFollowRepo はMemoryStore上のフォローリポジトリ。
type MemoryFollowRepo struct{ s *MemoryStore }

// Create はフォロー関係を作成する。既に存在する場合はfalseを返す。
func (r *MemoryFollowRepo) Create(ctx context.Context, follow *model.Follow) (bool, error) {
	defer r.s.lock(ctx)()
	key := followKey{follow.FollowerID, follow.FollowedID}
	if _, exists := r.s.follows[key]; exists {
		return false, nil
	}
	r.s.follows[key] = follow.CreatedAt
	r.s.onRollback(ctx, func() { delete(r.s.follows, key) })
	return true, nil
}

// Delete はフォロー関係を削除する。存在しなかった場合はfalseを返す。
func (r *MemoryFollowRepo) Delete(ctx context.Context, followerID, followedID string) (bool, error) {
	defer r.s.lock(ctx)()
	key := followKey{followerID, followedID}
	at, exists := r.s.follows[key]
	if !exists {
		return false, nil
	}
	delete(r.s.follows, key)
	r.s.onRollback(ctx, func() { r.s.follows[key] = at })
	return true, nil
}

// MemoryCommentRepo はMemoryStore上のコメントリポジトリ。
type MemoryCommentRepo struct{ s *MemoryStore }

// Create はコメントを作成する。
func (r *MemoryCommentRepo) Create(ctx context.Context, c *model.Comment) error {
	defer r.s.lock(ctx)()
	cp := *c
	r.s.comments[cp.ID] = &cp
	r.s.onRollback(ctx, func() { delete(r.s.comments, cp.ID) })
	return nil
}

// FindByID は指定IDのコメントを取得する。見つからない場合はnilを返す。
func (r *MemoryCommentRepo) FindByID(ctx context.Context, id string) (*model.Comment, error) {
	defer r.s.lock(ctx)()
	c, ok := r.s.comments[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// ListByPost は投稿のコメントをCreatedAt昇順で返す。
func (r *MemoryCommentRepo) ListByPost(ctx context.Context, postID string) ([]*model.Comment, error) {
	defer r.s.lock(ctx)()
	var list []*model.Comment
	for _, c := range r.s.comments {
		if c.PostID == postID {
			cp := *c
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

// ListChildIDs は指定コメント群を親に持つ直下の返信IDを返す。
func (r *MemoryCommentRepo) ListChildIDs(ctx context.Context, parentIDs []string) ([]string, error) {
	defer r.s.lock(ctx)()
	parents := make(map[string]struct{}, len(parentIDs))
	for _, id := range parentIDs {
		parents[id] = struct{}{}
	}
	var ids []string
	for _, c := range r.s.comments {
		if c.ParentID == nil {
			continue
		}
		if _, ok := parents[*c.ParentID]; ok {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteByIDs は指定IDのコメントを一括削除し、削除件数を返す。
func (r *MemoryCommentRepo) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	defer r.s.lock(ctx)()
	removed := 0
	for _, id := range ids {
		c, ok := r.s.comments[id]
		if !ok {
			continue
		}
		delete(r.s.comments, id)
		r.s.onRollback(ctx, func() { r.s.comments[c.ID] = c })
		removed++
	}
	return removed, nil
}

// compile-time interface check
var (
	_ UserRepository          = (*MemoryUserRepo)(nil)
	_ PostRepository          = (*MemoryPostRepo)(nil)
	_ ConversationRepository  = (*MemoryConversationRepo)(nil)
	_ MessageRepository       = (*MemoryMessageRepo)(nil)
	_ UnreadCounterRepository = (*MemoryUnreadCounterRepo)(nil)
	_ NotificationRepository  = (*MemoryNotificationRepo)(nil)
	_ LikeRepository          = (*MemoryLikeRepo)(nil)
	_ FollowRepository        = (*MemoryFollowRepo)(nil)
	_ CommentRepository       = (*MemoryCommentRepo)(nil)
)
