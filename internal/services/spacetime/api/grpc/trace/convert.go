package trace

import (
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/spacetime/internal/services/spacetime/query"
	"github.com/louisbranch/spacetime/internal/services/spacetime/session"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
	"google.golang.org/protobuf/types/known/structpb"
)

func stringField(in *structpb.Struct, name string) string {
	return strings.TrimSpace(in.GetFields()[name].GetStringValue())
}

func intField(in *structpb.Struct, name string) int64 {
	v := in.GetFields()[name]
	if v == nil {
		return 0
	}
	// Ids above 2^53 do not survive a float, so strings are accepted too.
	if _, ok := v.GetKind().(*structpb.Value_StringValue); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v.GetStringValue()), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return int64(v.GetNumberValue())
}

func stringsField(in *structpb.Struct, name string) []string {
	var out []string
	for _, v := range in.GetFields()[name].GetListValue().GetValues() {
		if s := strings.TrimSpace(v.GetStringValue()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func sessionFields(s storage.Session) map[string]any {
	return map[string]any{
		"id":                  s.ID,
		"name":                s.Name,
		"status":              string(s.Status),
		"incomplete":          s.Incomplete,
		"branch_from_call_id": s.BranchFromCallID,
		"created_at":          timestamp(s.CreatedAt),
		"ended_at":            timestamp(s.EndedAt),
	}
}

func callFields(c storage.FunctionCall) map[string]any {
	return map[string]any{
		"id":                 c.ID,
		"session_id":         c.SessionID,
		"function_name":      c.FunctionName,
		"file":               c.File,
		"line":               c.Line,
		"code_definition_id": c.CodeDefinitionID,
		"order":              c.Order,
		"parent_call_id":     c.ParentCallID,
		"status":             string(c.Status),
		"error":              c.Error,
		"return_ref":         string(c.ReturnRef),
		"started_at":         timestamp(c.StartedAt),
		"ended_at":           timestamp(c.EndedAt),
	}
}

func callList(calls []storage.FunctionCall) []any {
	out := make([]any, 0, len(calls))
	for _, c := range calls {
		out = append(out, callFields(c))
	}
	return out
}

func valueFields(v query.Value) map[string]any {
	return map[string]any{
		"name":        v.Name,
		"ref":         string(v.Ref),
		"type_tag":    v.TypeTag,
		"display":     v.Display,
		"unavailable": v.Unavailable,
		"missing":     v.Missing,
		"error":       v.Error,
	}
}

func valueList(values []query.Value) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, valueFields(v))
	}
	return out
}

func detailFields(d query.CallDetail) map[string]any {
	fields := callFields(d.Call)
	fields["locals"] = valueList(d.Locals)
	fields["globals"] = valueList(d.Globals)
	fields["metadata"] = valueList(d.Metadata)
	if !d.Call.ReturnRef.IsZero() {
		fields["return"] = valueFields(d.Return)
	}
	tracked := make([]any, 0, len(d.Tracked))
	for _, inv := range d.Tracked {
		tracked = append(tracked, map[string]any{
			"seq":           inv.Seq,
			"function_name": inv.FunctionName,
			"args":          valueFields(inv.Args),
			"return":        valueFields(inv.Return),
		})
	}
	fields["tracked"] = tracked
	return fields
}

func branchFields(b session.Branch) map[string]any {
	children := make([]any, 0, len(b.Children))
	for _, c := range b.Children {
		children = append(children, c)
	}
	return map[string]any{
		"session_id":           b.SessionID,
		"name":                 b.Name,
		"parent_session_id":    b.ParentSessionID,
		"branch_point_call_id": b.BranchPointCallID,
		"branch_point_index":   b.BranchPointIndex,
		"origin_session_id":    b.OriginSessionID,
		"depth":                b.Depth,
		"children":             children,
		"incomplete":           b.Incomplete,
		"created_at":           timestamp(b.CreatedAt),
	}
}
