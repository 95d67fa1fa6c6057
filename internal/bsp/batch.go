package bsp

import "time"

// outboundBatch accumulates posts queued for one (board, peer) pair since
// the last flush, per the per-(board,peer) batching counter.
type outboundBatch struct {
	board        string
	peerIdentity string
	posts        []Post
	queuedAt     time.Time
}

func newOutboundBatch(board, peerIdentity string) *outboundBatch {
	return &outboundBatch{board: board, peerIdentity: peerIdentity}
}

func (b *outboundBatch) add(p Post) {
	if len(b.posts) == 0 {
		b.queuedAt = time.Now()
	}
	b.posts = append(b.posts, p)
}

func (b *outboundBatch) drain() []Post {
	posts := b.posts
	b.posts = nil
	return posts
}
