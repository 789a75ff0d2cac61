// Package conversation maintains the rolling history exchanged with the
// language model between queries.
package conversation

import (
	"fmt"
	"strings"

	xerrors "ChainAI-Agent/internal/errors"
)

// MaxTurns 是历史记录保留的最大轮次数。
const MaxTurns = 10

// Role 标识一条历史记录的说话方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid 判断角色是否属于已知集合。
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Turn 是一条历史消息。
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History 是按时间顺序排列的历史消息。
type History []Turn

// Append 返回追加了用户提问与助手回答后的新历史，超过上限时从最早的记录开始淘汰。
// 入参不会被修改。
func Append(history History, userQuery, assistantAnswer string) History {
	next := make(History, 0, len(history)+2)
	next = append(next, history...)
	next = append(next,
		Turn{Role: RoleUser, Content: userQuery},
		Turn{Role: RoleAssistant, Content: assistantAnswer},
	)
	if overflow := len(next) - MaxTurns; overflow > 0 {
		next = append(History(nil), next[overflow:]...)
	}
	return next
}

// Validate 校验调用方提供的历史记录。
func Validate(history History) error {
	for i, turn := range history {
		if !turn.Role.Valid() {
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("context[%d]: unknown role %q", i, turn.Role))
		}
	}
	return nil
}

// Normalize 将角色统一为小写形式，便于接收来自外部的输入。
func Normalize(history History) History {
	if len(history) == 0 {
		return nil
	}
	out := make(History, len(history))
	for i, turn := range history {
		out[i] = Turn{Role: Role(strings.ToLower(strings.TrimSpace(string(turn.Role)))), Content: turn.Content}
	}
	return out
}

// Clone 返回历史记录的副本。
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	return append(History(nil), h...)
}
