package townhall

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Post is one accepted townhall message.
type Post struct {
	PostID string `json:"post_id"`
	Cycle  int    `json:"cycle"`
	Tick   uint64 `json:"tick"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// Board is the discussion history shared by all agents of one run. It is
// passed explicitly to whoever needs it and, like the lake, is only mutated
// from the driver goroutine.
type Board struct {
	perAgentPerCycle int
	historyLimit     int

	posts    []Post // append-only, newest last; trimmed to historyLimit
	nextPost uint64

	quota map[string]*cycleQuota
}

type cycleQuota struct {
	Cycle int
	Count int
}

const MaxTextLen = 500

// New returns a board. perAgentPerCycle <= 0 means no per-agent cap;
// historyLimit <= 0 keeps every post.
func New(perAgentPerCycle, historyLimit int) *Board {
	return &Board{
		perAgentPerCycle: perAgentPerCycle,
		historyLimit:     historyLimit,
		quota:            map[string]*cycleQuota{},
	}
}

// Post appends a message. It returns false for empty text or once author has
// used its allowance for cycle.
func (b *Board) Post(cycle int, tick uint64, author, text string) bool {
	text = strings.TrimSpace(text)
	author = strings.TrimSpace(author)
	if text == "" || author == "" {
		return false
	}
	if len(text) > MaxTextLen {
		n := MaxTextLen
		for n > 0 && !utf8.RuneStart(text[n]) {
			n--
		}
		text = text[:n]
	}

	q := b.quota[author]
	if q == nil || q.Cycle != cycle {
		q = &cycleQuota{Cycle: cycle}
		b.quota[author] = q
	}
	if b.perAgentPerCycle > 0 && q.Count >= b.perAgentPerCycle {
		return false
	}
	q.Count++

	b.nextPost++
	b.posts = append(b.posts, Post{
		PostID: fmt.Sprintf("M%06d", b.nextPost),
		Cycle:  cycle,
		Tick:   tick,
		Author: author,
		Text:   text,
	})
	if b.historyLimit > 0 && len(b.posts) > b.historyLimit {
		drop := len(b.posts) - b.historyLimit
		b.posts = append(b.posts[:0:0], b.posts[drop:]...)
	}
	return true
}

// Recent returns up to n newest posts, oldest first.
func (b *Board) Recent(n int) []Post {
	if n <= 0 || len(b.posts) == 0 {
		return nil
	}
	if n > len(b.posts) {
		n = len(b.posts)
	}
	return append([]Post(nil), b.posts[len(b.posts)-n:]...)
}

// Cycle returns the retained posts from cycle c.
func (b *Board) Cycle(c int) []Post {
	var out []Post
	for _, p := range b.posts {
		if p.Cycle == c {
			out = append(out, p)
		}
	}
	return out
}

func (b *Board) Len() int { return len(b.posts) }

// Total counts every accepted post, including ones trimmed from history.
func (b *Board) Total() uint64 { return b.nextPost }
