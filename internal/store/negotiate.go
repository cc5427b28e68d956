package store

import (
	"context"
	"regexp"
	"strings"

	"CareLink/pkg/config"
	apperrors "CareLink/pkg/errors"
	"CareLink/pkg/metrics"

	"go.uber.org/zap"
)

const statusColumn = "status"

var columnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`no such column: (?:\w+\.)?(\w+)`),
	regexp.MustCompile(`has no column named (\w+)`),
	regexp.MustCompile(`[Uu]nknown column '(?:\w+\.)?(\w+)'`),
	regexp.MustCompile(`column "(\w+)"(?: of relation "\w+")? does not exist`),
}

// IsUnknownColumn 写入了表里不存在的列
func IsUnknownColumn(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, re := range columnPatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// IsCheckViolation 状态值不被约束接受
func IsCheckViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "check constraint") ||
		strings.Contains(msg, "invalid input value for enum") ||
		strings.Contains(msg, "data truncated for column")
}

func unknownColumn(err error) string {
	msg := err.Error()
	for _, re := range columnPatterns {
		if m := re.FindStringSubmatch(msg); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

// Negotiator 面向不稳定 schema 的写入适配：
// 未知列时去掉该列（或全部可选列）重试，状态值被约束拒绝时按别名依次重试，
// 全部被拒时只写非状态字段。
type Negotiator struct {
	st       Store
	schema   config.SchemaConfig
	optional map[string]bool
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewNegotiator(st Store, schema config.SchemaConfig, log *zap.Logger, m *metrics.Metrics) *Negotiator {
	if log == nil {
		log = zap.NewNop()
	}
	if schema.StatusAliases == nil {
		schema = config.DefaultSchema()
	}
	opt := make(map[string]bool, len(schema.OptionalColumns))
	for _, c := range schema.OptionalColumns {
		opt[c] = true
	}
	return &Negotiator{st: st, schema: schema, optional: opt, log: log, metrics: m}
}

func (n *Negotiator) Store() Store { return n.st }

// StatusCandidates 逻辑状态依次尝试的存储值，规范值总在第一位
func (n *Negotiator) StatusCandidates(status string) []string {
	out := []string{status}
	for _, a := range n.schema.StatusAliases[status] {
		if a != status && !containsString(out, a) {
			out = append(out, a)
		}
	}
	return out
}

// StatusValues 一组逻辑状态可能落库的全部值，用于 IN 查询
func (n *Negotiator) StatusValues(statuses ...string) []string {
	var out []string
	for _, s := range statuses {
		for _, v := range n.StatusCandidates(s) {
			if !containsString(out, v) {
				out = append(out, v)
			}
		}
	}
	return out
}

// Logical 把存储值映射回逻辑状态，只在 allowed 中按顺序匹配
func (n *Negotiator) Logical(stored string, allowed ...string) string {
	for _, s := range allowed {
		if s == stored {
			return s
		}
	}
	for _, s := range allowed {
		if containsString(n.schema.StatusAliases[s], stored) {
			return s
		}
	}
	return stored
}

// TryInsert 返回实际写入的记录
func (n *Negotiator) TryInsert(ctx context.Context, table string, rec Record) (Record, error) {
	var written Record
	err := n.negotiate(table, "insert", rec, func(p Record) error {
		_, err := n.st.Insert(ctx, table, p)
		if err == nil {
			written = p
		}
		return err
	})
	return written, err
}

// TryUpdate 返回命中行数
func (n *Negotiator) TryUpdate(ctx context.Context, table string, filter Filter, patch Record) (int64, error) {
	var rows int64
	err := n.negotiate(table, "update", patch, func(p Record) error {
		var err error
		rows, err = n.st.Update(ctx, table, filter, p)
		return err
	})
	return rows, err
}

func (n *Negotiator) negotiate(table, op string, payload Record, write func(Record) error) error {
	status, hasStatus := payload[statusColumn].(string)
	if !hasStatus {
		degraded, err := n.writeStripping(payload.Clone(), write)
		n.report(table, op, degraded, err)
		return err
	}

	var lastErr error
	for i, cand := range n.StatusCandidates(status) {
		p := payload.Clone()
		p[statusColumn] = cand
		degraded, err := n.writeStripping(p, write)
		if err == nil {
			n.report(table, op, degraded || i > 0, nil)
			return nil
		}
		if !IsCheckViolation(err) {
			n.report(table, op, true, err)
			return err
		}
		lastErr = err
	}

	// 所有别名都被拒绝，只写元数据
	p := payload.Clone()
	delete(p, statusColumn)
	if len(p) == 0 {
		n.report(table, op, true, lastErr)
		return lastErr
	}
	n.log.Warn("status rejected by storage, writing metadata only",
		zap.String("table", table), zap.String("status", status), zap.Error(lastErr))
	_, err := n.writeStripping(p, write)
	n.report(table, op, true, err)
	return err
}

// writeStripping 遇到未知列时删列重试；返回是否发生过降级
func (n *Negotiator) writeStripping(p Record, write func(Record) error) (bool, error) {
	degraded := false
	for attempts := len(p) + 1; attempts > 0; attempts-- {
		err := write(p)
		if err == nil || !IsUnknownColumn(err) {
			return degraded, err
		}
		degraded = true
		col := unknownColumn(err)
		if col != "" && col != "id" && hasKey(p, col) {
			delete(p, col)
		} else if !n.stripOptional(p) {
			return degraded, err
		}
		if len(p) == 0 {
			return degraded, err
		}
		n.log.Debug("retrying write without unknown column", zap.String("column", col))
	}
	return degraded, apperrors.WithCode(apperrors.CodeStorageDegraded, "schema negotiation exhausted")
}

func (n *Negotiator) stripOptional(p Record) bool {
	removed := false
	for col := range p {
		if n.optional[col] {
			delete(p, col)
			removed = true
		}
	}
	return removed
}

func (n *Negotiator) report(table, op string, degraded bool, err error) {
	if err == nil && !degraded {
		return
	}
	n.metrics.RecordStorageDegraded(table, op)
	if err != nil {
		n.log.Warn("storage write failed", zap.String("table", table), zap.String("op", op), zap.Error(err))
	}
}

func hasKey(r Record, k string) bool {
	_, ok := r[k]
	return ok
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
