package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"confessions/bot/internal/app"
	"confessions/bot/internal/notify"
	"confessions/bot/internal/store"
)

type callbackAction string

const (
	cbApprove      callbackAction = "approve"
	cbReject       callbackAction = "reject"
	cbViewComments callbackAction = "view_comments"
	cbCommentsPage callbackAction = "comments_page"
	cbAddComment   callbackAction = "add_comment"
	cbReplyComment callbackAction = "reply_comment"
	cbLike         callbackAction = "like_comment"
	cbDislike      callbackAction = "dislike_comment"
	cbReport       callbackAction = "report_comment"
)

// Longer prefixes first so "comments_page" is not read as something shorter.
var callbackActions = []callbackAction{
	cbCommentsPage, cbViewComments, cbAddComment, cbReplyComment,
	cbDislike, cbReport, cbLike, cbApprove, cbReject,
}

type callback struct {
	action callbackAction
	args   []int64
}

func arity(a callbackAction) int {
	if a == cbCommentsPage {
		return 3
	}
	return 1
}

// parseCallback decodes button data such as "approve_12" or
// "comments_page_12_2_840". The anchor of comments_page is optional.
func parseCallback(data string) (callback, error) {
	for _, action := range callbackActions {
		prefix := string(action) + "_"
		if !strings.HasPrefix(data, prefix) {
			continue
		}
		fields := strings.Split(strings.TrimPrefix(data, prefix), "_")
		want := arity(action)
		if len(fields) != want && !(action == cbCommentsPage && len(fields) == 2) {
			return callback{}, fmt.Errorf("callback %q: expected %d arguments", data, want)
		}
		args := make([]int64, 0, len(fields))
		for _, f := range fields {
			n, err := strconv.ParseInt(f, 10, 64)
			if err != nil || n < 0 {
				return callback{}, fmt.Errorf("callback %q: bad argument %q", data, f)
			}
			args = append(args, n)
		}
		if action == cbCommentsPage && len(args) == 2 {
			args = append(args, 0)
		}
		return callback{action: action, args: args}, nil
	}
	return callback{}, fmt.Errorf("unknown callback %q", data)
}

func data(action callbackAction, args ...int64) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, string(action))
	for _, a := range args {
		parts = append(parts, strconv.FormatInt(a, 10))
	}
	return strings.Join(parts, "_")
}

func reactionKind(a callbackAction) store.ReactionKind {
	switch a {
	case cbLike:
		return store.ReactionLike
	case cbDislike:
		return store.ReactionDislike
	default:
		return store.ReactionReport
	}
}

func commentActions(c store.Comment) [][]notify.Action {
	return [][]notify.Action{
		{
			{Label: fmt.Sprintf("👍 %d", c.Likes), Data: data(cbLike, c.ID)},
			{Label: fmt.Sprintf("⚠️ %d", c.Reports), Data: data(cbReport, c.ID)},
			{Label: fmt.Sprintf("👎 %d", c.Dislikes), Data: data(cbDislike, c.ID)},
		},
		{
			{Label: "↩️ Reply", Data: data(cbReplyComment, c.ID)},
		},
	}
}

func pageActions(p app.CommentPage) [][]notify.Action {
	rows := [][]notify.Action{{{Label: "➕ Add Comment", Data: data(cbAddComment, p.ConfessionID)}}}
	var nav []notify.Action
	if p.Page > 1 {
		nav = append(nav, notify.Action{Label: "⬅️ Prev", Data: data(cbCommentsPage, p.ConfessionID, int64(p.Page-1), p.Anchor)})
	}
	if p.HasMore {
		nav = append(nav, notify.Action{Label: "Next ➡️", Data: data(cbCommentsPage, p.ConfessionID, int64(p.Page+1), p.Anchor)})
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	return rows
}
