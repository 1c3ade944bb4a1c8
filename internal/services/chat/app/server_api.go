package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/marketchat/internal/platform/errors"
	"github.com/louisbranch/marketchat/internal/platform/requestctx"
	"github.com/louisbranch/marketchat/internal/services/chat/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const maxRequestBodyBytes = 16 * 1024

var tracer = otel.Tracer("github.com/louisbranch/marketchat/internal/services/chat/app")

var errInvalidBody = apperrors.New(apperrors.CodeValidation, "invalid request body")

type apiHandlerFunc func(w http.ResponseWriter, r *http.Request, userID string) error

func (g *gateway) registerAPI(mux *http.ServeMux) {
	mux.Handle("POST /api/rooms", g.apiHandler("resolve_room", g.handleResolveRoom))
	mux.Handle("GET /api/rooms", g.apiHandler("list_rooms", g.handleListRooms))
	mux.Handle("GET /api/rooms/{roomID}", g.apiHandler("get_room", g.handleGetRoom))
	mux.Handle("GET /api/rooms/{roomID}/messages", g.apiHandler("list_messages", g.handleListMessages))
	mux.Handle("POST /api/rooms/{roomID}/read", g.apiHandler("mark_read", g.handleMarkRead))
	mux.Handle("POST /api/rooms/{roomID}/leave", g.apiHandler("leave_room", g.handleLeaveRoom))
}

// apiHandler authenticates the caller, traces the request and renders any
// returned error with its taxonomy status.
func (g *gateway) apiHandler(name string, handler apiHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, "chat.http."+name, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		r = r.WithContext(ctx)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		userID, err := authenticateRequest(r, g.authorizer)
		if err == nil {
			_, err = lookupUser(ctx, g.users, userID)
		}
		if err == nil {
			span.SetAttributes(attribute.String("chat.user_id", userID))
			err = handler(recorder, r.WithContext(requestctx.WithUserID(ctx, userID)), userID)
		}
		if err != nil {
			code := apperrors.CodeOf(err)
			span.SetAttributes(attribute.String("chat.error_code", string(code)))
			if code == apperrors.CodeInternal {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				log.Printf("chat: http %s failed user=%q err=%v", name, userID, err)
			}
			writeAPIError(recorder, err)
		}
		log.Printf("chat: http %s %s status=%d user=%q trace_id=%s", r.Method, r.URL.Path, recorder.status, userID, traceID(span))
	})
}

func (g *gateway) handleResolveRoom(w http.ResponseWriter, r *http.Request, userID string) error {
	var request wire.ResolveRoomRequest
	if err := decodeBody(w, r, &request); err != nil {
		return err
	}
	result, err := g.service.Resolve(r.Context(), request.ListingID, userID)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, wire.ResolveRoomResponse{Room: wire.FromRoom(result.Room), Created: result.Created})
	return nil
}

func (g *gateway) handleListRooms(w http.ResponseWriter, r *http.Request, userID string) error {
	page, limit, err := pageParams(r)
	if err != nil {
		return err
	}
	summaries, err := g.service.ListMyRooms(r.Context(), userID, page, limit)
	if err != nil {
		return err
	}
	rooms := make([]wire.Room, 0, len(summaries))
	for _, summary := range summaries {
		rooms = append(rooms, wire.FromRoomSummary(summary))
	}
	writeJSON(w, http.StatusOK, wire.RoomListResponse{Rooms: rooms})
	return nil
}

func (g *gateway) handleGetRoom(w http.ResponseWriter, r *http.Request, userID string) error {
	room, err := g.service.GetRoom(r.Context(), r.PathValue("roomID"), userID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, wire.RoomEnvelope{Room: wire.FromRoom(room)})
	return nil
}

// handleListMessages serves offset pages, or a cursor page when before_seq
// is present.
func (g *gateway) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) error {
	roomID := r.PathValue("roomID")
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("before_seq")); raw != "" {
		beforeSeq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return apperrors.New(apperrors.CodeValidation, "before_seq must be an integer")
		}
		limit, err := intParam(r, "limit")
		if err != nil {
			return err
		}
		history, err := g.service.HistoryBefore(r.Context(), roomID, userID, beforeSeq, limit)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, wire.MessagePageResponse{
			Messages: wire.FromMessages(history.Messages),
			HasMore:  history.HasMore,
		})
		return nil
	}

	page, limit, err := pageParams(r)
	if err != nil {
		return err
	}
	result, err := g.service.ListMessages(r.Context(), roomID, userID, page, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, wire.MessagePageResponse{
		Messages:    wire.FromMessages(result.Messages),
		HasNextPage: result.HasNextPage,
		Total:       result.Total,
	})
	return nil
}

func (g *gateway) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) error {
	count, err := g.service.MarkAllRead(r.Context(), r.PathValue("roomID"), userID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: wire.StatusOK, Count: count})
	return nil
}

func (g *gateway) handleLeaveRoom(w http.ResponseWriter, r *http.Request, userID string) error {
	if _, err := g.service.Leave(r.Context(), r.PathValue("roomID"), userID); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: wire.StatusOK})
	return nil
}

func pageParams(r *http.Request) (int, int, error) {
	page, err := intParam(r, "page")
	if err != nil {
		return 0, 0, err
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return 0, 0, err
	}
	return page, limit, nil
}

// intParam parses an optional integer query parameter; absent yields zero so
// the domain applies its defaults.
func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.New(apperrors.CodeValidation, name+" must be an integer")
	}
	return value, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errPayloadTooLarge
		}
		return errInvalidBody
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("chat: write response failed err=%v", err)
	}
}

func writeAPIError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, code.HTTPStatus(), wire.HTTPErrorResponse{Error: wire.HTTPError{
		Code:    string(code),
		Message: apperrors.PublicMessage(err),
	}})
}

func traceID(span trace.Span) string {
	spanContext := span.SpanContext()
	if !spanContext.HasTraceID() {
		return ""
	}
	return spanContext.TraceID().String()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
