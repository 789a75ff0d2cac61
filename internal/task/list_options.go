package task

import (
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	xerrors "ChainAI-Agent/internal/errors"
)

// SortOrder 是列表按更新时间排序的方向。
type SortOrder string

const (
	SortByUpdatedDesc SortOrder = "desc"
	SortByUpdatedAsc  SortOrder = "asc"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 控制任务列表与统计的过滤条件，零值表示不过滤。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	// Query 在任务 ID、查询文本、最终回答与错误信息中做不区分大小写的匹配。
	Query string
}

// normalize 收敛分页范围、去重状态并补全排序方向。
func (o *ListOptions) normalize() {
	o.Limit = min(max(o.Limit, 0), maxListLimit)
	if o.Limit == 0 {
		o.Limit = defaultListLimit
	}
	o.Offset = max(o.Offset, 0)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Query = strings.TrimSpace(o.Query)

	var statuses []Status
	for _, status := range o.Statuses {
		if status.Valid() && !slices.Contains(statuses, status) {
			statuses = append(statuses, status)
		}
	}
	o.Statuses = statuses
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量，超过 100 按 100 处理。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 n 条匹配记录。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 按状态过滤，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

// WithUpdatedSince 只保留在 ts 及之后更新的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 只保留在 ts 及之前更新的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已有执行结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &hasResult }
}

// WithSortOrder 修改排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

// WithQuery 设置匹配关键字。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

// BuildListOptions 依次应用选项并归一化。
func BuildListOptions(opts ...ListOption) ListOptions {
	var out ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	out.normalize()
	return out
}

// ParseListQuery 把 HTTP 查询参数转换为列表选项。
//
// 支持 limit、offset、status（逗号分隔）、q、order（asc/desc）、since/until（Unix 秒）与 hasResult。
func ParseListQuery(values url.Values) ([]ListOption, error) {
	var opts []ListOption
	for _, name := range []string{"limit", "offset", "since", "until"} {
		raw := strings.TrimSpace(values.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, xerrors.New(CodeTaskValidation, name+" must be a non-negative integer")
		}
		switch name {
		case "limit":
			opts = append(opts, WithLimit(int(n)))
		case "offset":
			opts = append(opts, WithOffset(int(n)))
		case "since":
			opts = append(opts, WithUpdatedSince(time.Unix(n, 0)))
		case "until":
			opts = append(opts, WithUpdatedUntil(time.Unix(n, 0)))
		}
	}

	if raw := values.Get("status"); raw != "" {
		var statuses []Status
		for _, part := range strings.Split(raw, ",") {
			status := Status(strings.ToLower(strings.TrimSpace(part)))
			if !status.Valid() {
				return nil, xerrors.New(CodeTaskValidation, "unknown task status "+strconv.Quote(part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, WithStatuses(statuses...))
	}

	switch order := SortOrder(strings.ToLower(values.Get("order"))); order {
	case "":
	case SortByUpdatedAsc, SortByUpdatedDesc:
		opts = append(opts, WithSortOrder(order))
	default:
		return nil, xerrors.New(CodeTaskValidation, "order must be asc or desc")
	}

	if raw := values.Get("hasResult"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(CodeTaskValidation, "hasResult must be a boolean")
		}
		opts = append(opts, WithResultPresence(has))
	}
	if q := values.Get("q"); q != "" {
		opts = append(opts, WithQuery(q))
	}
	return opts, nil
}

// matches 判断任务是否满足过滤条件，供内存存储使用。
func (o ListOptions) matches(task *Task) bool {
	switch {
	case len(o.Statuses) > 0 && !slices.Contains(o.Statuses, task.Status):
		return false
	case o.UpdatedGTE > 0 && task.UpdatedAt < o.UpdatedGTE:
		return false
	case o.UpdatedLTE > 0 && task.UpdatedAt > o.UpdatedLTE:
		return false
	case o.HasResult != nil && (task.Result != nil) != *o.HasResult:
		return false
	case o.Query == "":
		return true
	}
	needle := strings.ToLower(o.Query)
	fields := []string{task.ID, task.Request.Query, task.LastError}
	if task.Result != nil {
		fields = append(fields, task.Result.FinalResponse)
	}
	return slices.ContainsFunc(fields, func(field string) bool {
		return strings.Contains(strings.ToLower(field), needle)
	})
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}
