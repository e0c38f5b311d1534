package trace

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/spacetime/internal/platform/errors"
	"github.com/louisbranch/spacetime/internal/platform/grpc/pagination"
	"github.com/louisbranch/spacetime/internal/services/spacetime/query"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultSearchPageSize = 50
	maxSearchPageSize     = 500
)

// localeHeader selects the language of error messages.
const localeHeader = "x-spacetime-locale"

// Service implements TraceServer over the query surface.
type Service struct {
	query *query.Service
}

var _ TraceServer = (*Service)(nil)

// NewService creates a trace service.
func NewService(q *query.Service) *Service {
	return &Service{query: q}
}

func (s *Service) ready() error {
	if s == nil || s.query == nil {
		return status.Error(codes.Internal, "query service is not configured")
	}
	return nil
}

func fail(ctx context.Context, err error) error {
	return apperrors.HandleError(err, locale(ctx))
}

func locale(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return apperrors.DefaultLocale
	}
	for _, key := range []string{localeHeader, "accept-language"} {
		if values := md.Get(key); len(values) > 0 && strings.TrimSpace(values[0]) != "" {
			return strings.TrimSpace(values[0])
		}
	}
	return apperrors.DefaultLocale
}

func (s *Service) ListSessions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	sessions, err := s.query.ListSessions(ctx)
	if err != nil {
		return nil, fail(ctx, err)
	}
	items := make([]any, 0, len(sessions))
	for _, session := range sessions {
		items = append(items, sessionFields(session))
	}
	return respond(map[string]any{"sessions": items})
}

func (s *Service) GetSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	session, err := s.query.GetSession(ctx, stringField(in, "session_id"))
	if err != nil {
		return nil, fail(ctx, err)
	}
	return respond(map[string]any{"session": sessionFields(session)})
}

func (s *Service) ListCalls(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	calls, err := s.query.ListCalls(ctx, stringField(in, "session_id"))
	if err != nil {
		return nil, fail(ctx, err)
	}
	return respond(map[string]any{"calls": callList(calls)})
}

func (s *Service) SearchCalls(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	page, err := s.query.SearchCalls(ctx, storage.CallQuery{
		Filter: stringField(in, "filter"),
		PageSize: pagination.ClampPageSize(int32(intField(in, "page_size")), pagination.PageSizeConfig{
			Default: defaultSearchPageSize,
			Max:     maxSearchPageSize,
		}),
		PageToken: stringField(in, "page_token"),
	})
	if err != nil {
		return nil, fail(ctx, err)
	}
	return respond(map[string]any{
		"calls":           callList(page.Calls),
		"next_page_token": page.NextPageToken,
	})
}

func (s *Service) GetCall(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, err := requireID(in, "call_id")
	if err != nil {
		return nil, err
	}
	detail, err := s.query.GetCall(ctx, id)
	if err != nil {
		return nil, fail(ctx, err)
	}
	return respond(map[string]any{"call": detailFields(detail)})
}

func (s *Service) ListChildCalls(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, err := requireID(in, "call_id")
	if err != nil {
		return nil, err
	}
	calls, err := s.query.ListChildCalls(ctx, id)
	if err != nil {
		return nil, fail(ctx, err)
	}
	return respond(map[string]any{"calls": callList(calls)})
}

func (s *Service) GetSource(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id, err := requireID(in, "call_id")
	if err != nil {
		return nil, err
	}
	def, err := s.query.GetSource(ctx, id)
	if err != nil {
		return nil, fail(ctx, err)
	}
	return respond(map[string]any{"source": map[string]any{
		"id":            def.ID,
		"function_name": def.FunctionName,
		"module_path":   def.ModulePath,
		"first_line":    def.FirstLine,
		"code":          def.Code,
	}})
}

func (s *Service) ListBranches(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	branches, err := s.query.ListBranches(ctx)
	if err != nil {
		return nil, fail(ctx, err)
	}
	items := make([]any, 0, len(branches))
	for _, b := range branches {
		items = append(items, branchFields(b))
	}
	return respond(map[string]any{"branches": items})
}

func (s *Service) GetStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	stats, err := s.query.Stats(ctx)
	if err != nil {
		return nil, fail(ctx, err)
	}
	return respond(map[string]any{
		"sessions":     stats.Sessions,
		"branches":     stats.Branches,
		"calls":        stats.Calls,
		"objects":      stats.Objects,
		"object_bytes": stats.Bytes,
	})
}

func (s *Service) ReplaySequence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	start, err := requireID(in, "start_call_id")
	if err != nil {
		return nil, err
	}
	sessionID, err := s.query.ReplaySequence(ctx, start, stringsField(in, "mocks"))
	if err != nil {
		return nil, fail(ctx, err)
	}
	return respond(map[string]any{"session_id": sessionID})
}

func (s *Service) ReplaySubsequence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	start, err := requireID(in, "start_call_id")
	if err != nil {
		return nil, err
	}
	end, err := requireID(in, "end_call_id")
	if err != nil {
		return nil, err
	}
	sessionID, err := s.query.ReplaySubsequence(ctx, start, end, stringsField(in, "mocks"))
	if err != nil {
		return nil, fail(ctx, err)
	}
	return respond(map[string]any{"session_id": sessionID})
}

func respond(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func requireID(in *structpb.Struct, field string) (int64, error) {
	id := intField(in, field)
	if id <= 0 {
		return 0, status.Error(codes.InvalidArgument, fmt.Sprintf("%s is required", field))
	}
	return id, nil
}
