// Package domain defines the MCP tools over recorded sessions, calls, and
// branches, and the ones that start replays.
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/louisbranch/spacetime/internal/services/spacetime/query"
	"github.com/louisbranch/spacetime/internal/services/spacetime/session"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SessionItem is a session in tool output.
type SessionItem struct {
	ID               string `json:"id" jsonschema:"session identifier"`
	Name             string `json:"name" jsonschema:"session name"`
	Status           string `json:"status" jsonschema:"session status (active, ended)"`
	Incomplete       bool   `json:"incomplete,omitempty" jsonschema:"true when a replay stopped before finishing"`
	BranchFromCallID int64  `json:"branch_from_call_id,omitempty" jsonschema:"historical call a replay branch continues from"`
	CreatedAt        string `json:"created_at" jsonschema:"RFC3339 timestamp when the session started"`
	EndedAt          string `json:"ended_at,omitempty" jsonschema:"RFC3339 timestamp when the session ended"`
}

// CallItem is a call in tool output.
type CallItem struct {
	ID           int64  `json:"id" jsonschema:"call identifier"`
	SessionID    string `json:"session_id" jsonschema:"owning session"`
	FunctionName string `json:"function_name" jsonschema:"instrumented function name"`
	File         string `json:"file,omitempty" jsonschema:"source file"`
	Line         int    `json:"line,omitempty" jsonschema:"source line"`
	Order        int    `json:"order" jsonschema:"zero-based position within the session"`
	ParentCallID int64  `json:"parent_call_id,omitempty" jsonschema:"caller, or the branch point for the first call of a branch"`
	Status       string `json:"status" jsonschema:"returned, failed, panicked, substituted, or open"`
	Error        string `json:"error,omitempty" jsonschema:"error text of a failed call"`
	ReturnRef    string `json:"return_ref,omitempty" jsonschema:"content ref of the return value"`
}

// ValueItem is a rendered captured value.
type ValueItem struct {
	Name        string `json:"name,omitempty" jsonschema:"variable name"`
	Ref         string `json:"ref,omitempty" jsonschema:"content ref"`
	TypeTag     string `json:"type_tag,omitempty" jsonschema:"serializer type tag"`
	Display     string `json:"display" jsonschema:"human-readable value"`
	Unavailable bool   `json:"unavailable,omitempty" jsonschema:"value could not be captured"`
	Missing     bool   `json:"missing,omitempty" jsonschema:"snapshot missing from storage"`
}

// TrackedItem is a tracked invocation in tool output.
type TrackedItem struct {
	Seq          int       `json:"seq" jsonschema:"position within the owning call"`
	FunctionName string    `json:"function_name" jsonschema:"tracked function name"`
	Args         ValueItem `json:"args" jsonschema:"captured arguments"`
	Return       ValueItem `json:"return" jsonschema:"captured result"`
}

// BranchItem is a session's branch relationship.
type BranchItem struct {
	SessionID         string   `json:"session_id" jsonschema:"session identifier"`
	Name              string   `json:"name" jsonschema:"session name"`
	ParentSessionID   string   `json:"parent_session_id,omitempty" jsonschema:"session this one branches from"`
	BranchPointCallID int64    `json:"branch_point_call_id,omitempty" jsonschema:"historical call the branch continues from"`
	BranchPointIndex  int      `json:"branch_point_index" jsonschema:"order of the branch point in the parent, -1 for roots"`
	OriginSessionID   string   `json:"origin_session_id" jsonschema:"root of the lineage"`
	Depth             int      `json:"depth" jsonschema:"number of branch points to the origin"`
	Children          []string `json:"children,omitempty" jsonschema:"sessions branching from this one"`
	Incomplete        bool     `json:"incomplete,omitempty" jsonschema:"true when a replay stopped before finishing"`
}

// SessionListInput is the session_list input.
type SessionListInput struct{}

// SessionListResult is the session_list output.
type SessionListResult struct {
	Sessions []SessionItem `json:"sessions" jsonschema:"sessions in creation order"`
}

// CallListInput is the call_list input.
type CallListInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
}

// CallListResult lists calls.
type CallListResult struct {
	Calls []CallItem `json:"calls" jsonschema:"calls in order"`
}

// CallSearchInput is the call_search input.
type CallSearchInput struct {
	Filter    string `json:"filter,omitempty" jsonschema:"AIP-160 filter over session_id, function_name, status, order, parent_call_id"`
	PageSize  int    `json:"page_size,omitempty" jsonschema:"maximum calls to return"`
	PageToken string `json:"page_token,omitempty" jsonschema:"token from a previous page"`
}

// CallSearchResult is the call_search output.
type CallSearchResult struct {
	Calls         []CallItem `json:"calls" jsonschema:"matching calls ordered by id"`
	NextPageToken string     `json:"next_page_token,omitempty" jsonschema:"token for the next page"`
}

// CallInput selects one call.
type CallInput struct {
	CallID int64 `json:"call_id" jsonschema:"call identifier"`
}

// CallGetResult is the call_get output.
type CallGetResult struct {
	Call     CallItem      `json:"call" jsonschema:"the call"`
	Locals   []ValueItem   `json:"locals" jsonschema:"captured arguments"`
	Globals  []ValueItem   `json:"globals" jsonschema:"captured module state"`
	Return   *ValueItem    `json:"return,omitempty" jsonschema:"captured return value"`
	Metadata []ValueItem   `json:"metadata,omitempty" jsonschema:"values produced by return hooks"`
	Tracked  []TrackedItem `json:"tracked,omitempty" jsonschema:"tracked invocations made by the call"`
}

// CallSourceResult is the call_source output.
type CallSourceResult struct {
	FunctionName string `json:"function_name" jsonschema:"function name"`
	ModulePath   string `json:"module_path" jsonschema:"source file"`
	FirstLine    int    `json:"first_line" jsonschema:"first line of the snippet"`
	Code         string `json:"code" jsonschema:"source snippet"`
}

// SessionBranchesInput is the session_branches input.
type SessionBranchesInput struct{}

// SessionBranchesResult is the session_branches output.
type SessionBranchesResult struct {
	Branches []BranchItem `json:"branches" jsonschema:"branch relationship of every session"`
}

// ReplaySequenceInput is the replay_sequence input.
type ReplaySequenceInput struct {
	StartCallID int64    `json:"start_call_id" jsonschema:"call to replay from"`
	Mocks       []string `json:"mocks,omitempty" jsonschema:"function names to substitute with recorded results"`
}

// ReplaySubsequenceInput is the replay_subsequence input.
type ReplaySubsequenceInput struct {
	StartCallID int64    `json:"start_call_id" jsonschema:"first call to replay"`
	EndCallID   int64    `json:"end_call_id" jsonschema:"last call to replay, in the same session"`
	Mocks       []string `json:"mocks,omitempty" jsonschema:"function names to substitute with recorded results"`
}

// ReplayResult is the output of the replay tools.
type ReplayResult struct {
	SessionID string `json:"session_id" jsonschema:"the new branch session"`
}

// SessionListTool defines session_list.
func SessionListTool() *mcp.Tool {
	return &mcp.Tool{Name: "session_list", Description: "Lists recorded sessions, including replay branches, in creation order."}
}

// SessionListHandler lists sessions.
func SessionListHandler(q *query.Service) mcp.ToolHandlerFor[SessionListInput, SessionListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SessionListInput) (*mcp.CallToolResult, SessionListResult, error) {
		sessions, err := q.ListSessions(ctx)
		if err != nil {
			return nil, SessionListResult{}, fmt.Errorf("list sessions: %w", err)
		}
		out := SessionListResult{Sessions: make([]SessionItem, 0, len(sessions))}
		for _, s := range sessions {
			out.Sessions = append(out.Sessions, sessionItem(s))
		}
		return nil, out, nil
	}
}

// CallListTool defines call_list.
func CallListTool() *mcp.Tool {
	return &mcp.Tool{Name: "call_list", Description: "Lists the calls of one session in execution order."}
}

// CallListHandler lists a session's calls.
func CallListHandler(q *query.Service) mcp.ToolHandlerFor[CallListInput, CallListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in CallListInput) (*mcp.CallToolResult, CallListResult, error) {
		calls, err := q.ListCalls(ctx, in.SessionID)
		if err != nil {
			return nil, CallListResult{}, fmt.Errorf("list calls: %w", err)
		}
		return nil, CallListResult{Calls: callItems(calls)}, nil
	}
}

// CallSearchTool defines call_search.
func CallSearchTool() *mcp.Tool {
	return &mcp.Tool{Name: "call_search", Description: `Searches calls across sessions with a filter such as function_name = "roll" AND status = "failed".`}
}

// CallSearchHandler searches calls.
func CallSearchHandler(q *query.Service) mcp.ToolHandlerFor[CallSearchInput, CallSearchResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in CallSearchInput) (*mcp.CallToolResult, CallSearchResult, error) {
		page, err := q.SearchCalls(ctx, storage.CallQuery{Filter: in.Filter, PageSize: in.PageSize, PageToken: in.PageToken})
		if err != nil {
			return nil, CallSearchResult{}, fmt.Errorf("search calls: %w", err)
		}
		return nil, CallSearchResult{Calls: callItems(page.Calls), NextPageToken: page.NextPageToken}, nil
	}
}

// CallGetTool defines call_get.
func CallGetTool() *mcp.Tool {
	return &mcp.Tool{Name: "call_get", Description: "Returns one call with its arguments, globals, return value, metadata, and tracked invocations rendered."}
}

// CallGetHandler returns one call.
func CallGetHandler(q *query.Service) mcp.ToolHandlerFor[CallInput, CallGetResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in CallInput) (*mcp.CallToolResult, CallGetResult, error) {
		detail, err := q.GetCall(ctx, in.CallID)
		if err != nil {
			return nil, CallGetResult{}, fmt.Errorf("get call: %w", err)
		}
		out := CallGetResult{
			Call:     callItem(detail.Call),
			Locals:   valueItems(detail.Locals),
			Globals:  valueItems(detail.Globals),
			Metadata: valueItems(detail.Metadata),
		}
		if !detail.Call.ReturnRef.IsZero() {
			ret := valueItem(detail.Return)
			out.Return = &ret
		}
		for _, inv := range detail.Tracked {
			out.Tracked = append(out.Tracked, TrackedItem{
				Seq:          inv.Seq,
				FunctionName: inv.FunctionName,
				Args:         valueItem(inv.Args),
				Return:       valueItem(inv.Return),
			})
		}
		return nil, out, nil
	}
}

// CallChildrenTool defines call_children.
func CallChildrenTool() *mcp.Tool {
	return &mcp.Tool{Name: "call_children", Description: "Lists the calls made directly by a call, including first calls of branches continuing from it."}
}

// CallChildrenHandler lists child calls.
func CallChildrenHandler(q *query.Service) mcp.ToolHandlerFor[CallInput, CallListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in CallInput) (*mcp.CallToolResult, CallListResult, error) {
		calls, err := q.ListChildCalls(ctx, in.CallID)
		if err != nil {
			return nil, CallListResult{}, fmt.Errorf("list child calls: %w", err)
		}
		return nil, CallListResult{Calls: callItems(calls)}, nil
	}
}

// CallSourceTool defines call_source.
func CallSourceTool() *mcp.Tool {
	return &mcp.Tool{Name: "call_source", Description: "Returns the source snippet of the function a call ran."}
}

// CallSourceHandler returns a call's source.
func CallSourceHandler(q *query.Service) mcp.ToolHandlerFor[CallInput, CallSourceResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in CallInput) (*mcp.CallToolResult, CallSourceResult, error) {
		def, err := q.GetSource(ctx, in.CallID)
		if err != nil {
			return nil, CallSourceResult{}, fmt.Errorf("get source: %w", err)
		}
		return nil, CallSourceResult{
			FunctionName: def.FunctionName,
			ModulePath:   def.ModulePath,
			FirstLine:    def.FirstLine,
			Code:         def.Code,
		}, nil
	}
}

// SessionBranchesTool defines session_branches.
func SessionBranchesTool() *mcp.Tool {
	return &mcp.Tool{Name: "session_branches", Description: "Lists every session with the session and call it branches from."}
}

// SessionBranchesHandler lists the branch forest.
func SessionBranchesHandler(q *query.Service) mcp.ToolHandlerFor[SessionBranchesInput, SessionBranchesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SessionBranchesInput) (*mcp.CallToolResult, SessionBranchesResult, error) {
		branches, err := q.ListBranches(ctx)
		if err != nil {
			return nil, SessionBranchesResult{}, fmt.Errorf("list branches: %w", err)
		}
		out := SessionBranchesResult{Branches: make([]BranchItem, 0, len(branches))}
		for _, b := range branches {
			out.Branches = append(out.Branches, branchItem(b))
		}
		return nil, out, nil
	}
}

// ReplaySequenceTool defines replay_sequence.
func ReplaySequenceTool() *mcp.Tool {
	return &mcp.Tool{Name: "replay_sequence", Description: "Replays from a call onward into a new branch session, substituting the named mock functions."}
}

// ReplaySequenceHandler runs a sequence replay.
func ReplaySequenceHandler(q *query.Service) mcp.ToolHandlerFor[ReplaySequenceInput, ReplayResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in ReplaySequenceInput) (*mcp.CallToolResult, ReplayResult, error) {
		id, err := q.ReplaySequence(ctx, in.StartCallID, in.Mocks)
		if err != nil {
			return nil, ReplayResult{SessionID: id}, fmt.Errorf("replay sequence: %w", err)
		}
		return nil, ReplayResult{SessionID: id}, nil
	}
}

// ReplaySubsequenceTool defines replay_subsequence.
func ReplaySubsequenceTool() *mcp.Tool {
	return &mcp.Tool{Name: "replay_subsequence", Description: "Replays the calls from start through end of one session into a new branch session."}
}

// ReplaySubsequenceHandler runs a bounded replay.
func ReplaySubsequenceHandler(q *query.Service) mcp.ToolHandlerFor[ReplaySubsequenceInput, ReplayResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in ReplaySubsequenceInput) (*mcp.CallToolResult, ReplayResult, error) {
		id, err := q.ReplaySubsequence(ctx, in.StartCallID, in.EndCallID, in.Mocks)
		if err != nil {
			return nil, ReplayResult{SessionID: id}, fmt.Errorf("replay subsequence: %w", err)
		}
		return nil, ReplayResult{SessionID: id}, nil
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func sessionItem(s storage.Session) SessionItem {
	return SessionItem{
		ID:               s.ID,
		Name:             s.Name,
		Status:           string(s.Status),
		Incomplete:       s.Incomplete,
		BranchFromCallID: s.BranchFromCallID,
		CreatedAt:        formatTime(s.CreatedAt),
		EndedAt:          formatTime(s.EndedAt),
	}
}

func callItem(c storage.FunctionCall) CallItem {
	return CallItem{
		ID:           c.ID,
		SessionID:    c.SessionID,
		FunctionName: c.FunctionName,
		File:         c.File,
		Line:         c.Line,
		Order:        c.Order,
		ParentCallID: c.ParentCallID,
		Status:       string(c.Status),
		Error:        c.Error,
		ReturnRef:    string(c.ReturnRef),
	}
}

func callItems(calls []storage.FunctionCall) []CallItem {
	out := make([]CallItem, 0, len(calls))
	for _, c := range calls {
		out = append(out, callItem(c))
	}
	return out
}

func valueItem(v query.Value) ValueItem {
	return ValueItem{
		Name:        v.Name,
		Ref:         string(v.Ref),
		TypeTag:     v.TypeTag,
		Display:     v.Display,
		Unavailable: v.Unavailable,
		Missing:     v.Missing,
	}
}

func valueItems(values []query.Value) []ValueItem {
	out := make([]ValueItem, 0, len(values))
	for _, v := range values {
		out = append(out, valueItem(v))
	}
	return out
}

func branchItem(b session.Branch) BranchItem {
	return BranchItem{
		SessionID:         b.SessionID,
		Name:              b.Name,
		ParentSessionID:   b.ParentSessionID,
		BranchPointCallID: b.BranchPointCallID,
		BranchPointIndex:  b.BranchPointIndex,
		OriginSessionID:   b.OriginSessionID,
		Depth:             b.Depth,
		Children:          b.Children,
		Incomplete:        b.Incomplete,
	}
}
