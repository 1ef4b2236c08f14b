package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"halaqa-bot/internal/adapters/repo"
	"halaqa-bot/internal/domain"
	"halaqa-bot/internal/infra/config"
	"halaqa-bot/internal/infra/db"
	httpinfra "halaqa-bot/internal/infra/http"
	"halaqa-bot/internal/infra/log"
	"halaqa-bot/internal/infra/metrics"
	"halaqa-bot/internal/usecase/queue"
	"halaqa-bot/internal/usecase/session"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	queueService := queue.NewService(repoAdapter, repoAdapter, cfg.Queue.InsertOffset)
	sessionService := session.NewService(repoAdapter)

	server := httpinfra.NewServer(logger)
	server.Router.Group(func(protected chi.Router) {
		protected.Use(httpinfra.WebAppAuthMiddleware(cfg.Telegram.Token))
		protected.Use(httpinfra.AdminOnlyMiddleware(cfg.IsAdmin))

		protected.Get("/api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
			chatID, err1 := parseQueryInt64(r, "chat_id")
			postID, err2 := parseQueryInt64(r, "post_id")
			if err1 != nil || err2 != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, "chat_id и post_id обязательны")
				return
			}
			sessionNumber, _ := strconv.Atoi(r.URL.Query().Get("session"))
			turnQueue, err := queueService.GetQueue(r.Context(), chatID, postID, sessionNumber)
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, turnQueueResponse(turnQueue))
		})

		protected.Post("/api/v1/queue/users", func(w http.ResponseWriter, r *http.Request) {
			var req addUserRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == 0 || req.PostID == 0 || req.UserID == 0 {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			entry, added, err := queueService.AddUser(r.Context(), req.ChatID, req.PostID, req.UserID, req.SessionNumber)
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			status := http.StatusOK
			if added {
				status = http.StatusCreated
			}
			payload := entryResponse(entry)
			payload["added"] = added
			httpinfra.WriteJSON(w, status, payload)
		})

		protected.Post("/api/v1/queue/users/at-position", func(w http.ResponseWriter, r *http.Request) {
			var req addUserAtPositionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == 0 || req.PostID == 0 || req.UserID == 0 {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			if req.AnchorPosition < 0 || req.TurnsToWait < 0 {
				httpinfra.WriteError(w, http.StatusBadRequest, "позиция и число ожиданий не могут быть отрицательными")
				return
			}
			entry, err := queueService.AddUserAtPosition(r.Context(), req.ChatID, req.PostID, req.UserID, req.AnchorPosition, req.TurnsToWait, req.SessionNumber)
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusCreated, entryResponse(entry))
		})

		protected.Delete("/api/v1/queue/entries/{id}", func(w http.ResponseWriter, r *http.Request) {
			entryID, err := parsePathID(r)
			if err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректный идентификатор")
				return
			}
			if err := queueService.RemoveEntry(r.Context(), entryID); err != nil {
				writeDomainError(w, logger, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		protected.Put("/api/v1/queue/entries/{id}/position", func(w http.ResponseWriter, r *http.Request) {
			entryID, err := parsePathID(r)
			if err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректный идентификатор")
				return
			}
			var req updatePositionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			if req.ToEnd {
				err = queueService.MoveToEnd(r.Context(), entryID)
			} else {
				err = queueService.UpdatePosition(r.Context(), entryID, req.Position)
			}
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		protected.Post("/api/v1/queue/entries/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
			entryID, err := parsePathID(r)
			if err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректный идентификатор")
				return
			}
			var req sessionTypeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			if err := queueService.CompleteTurn(r.Context(), entryID, req.SessionType); err != nil {
				writeDomainError(w, logger, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		protected.Post("/api/v1/queue/entries/{id}/skip", func(w http.ResponseWriter, r *http.Request) {
			entryID, err := parsePathID(r)
			if err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректный идентификатор")
				return
			}
			if err := queueService.SkipTurn(r.Context(), entryID); err != nil {
				writeDomainError(w, logger, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		protected.Put("/api/v1/queue/entries/{id}/session-type", func(w http.ResponseWriter, r *http.Request) {
			entryID, err := parsePathID(r)
			if err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректный идентификатор")
				return
			}
			var req sessionTypeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			if err := queueService.UpdateSessionType(r.Context(), entryID, req.SessionType); err != nil {
				writeDomainError(w, logger, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		protected.Put("/api/v1/queue/entries/{id}/notes", func(w http.ResponseWriter, r *http.Request) {
			entryID, err := parsePathID(r)
			if err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректный идентификатор")
				return
			}
			var req notesRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			if err := queueService.UpdateNotes(r.Context(), entryID, req.Notes); err != nil {
				writeDomainError(w, logger, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		protected.Post("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
			var req startSessionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == 0 || req.PostID == 0 {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			carryOver := true
			if req.CarryOver != nil {
				carryOver = *req.CarryOver
			}
			newSession, err := sessionService.StartNewSession(r.Context(), req.ChatID, req.PostID, req.TeacherName, carryOver)
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusCreated, map[string]any{
				"session_number": newSession.SessionNumber,
				"teacher_name":   newSession.TeacherName,
				"created_at":     newSession.CreatedAt,
			})
		})

		protected.Put("/api/v1/sessions/teacher", func(w http.ResponseWriter, r *http.Request) {
			var req updateTeacherRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == 0 || req.PostID == 0 {
				httpinfra.WriteError(w, http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			created, err := sessionService.UpdateTeacher(r.Context(), req.ChatID, req.PostID, req.SessionNumber, req.TeacherName)
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			status := http.StatusOK
			if created {
				status = http.StatusCreated
			}
			httpinfra.WriteJSON(w, status, map[string]bool{"created": created})
		})
	})

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
}

func writeDomainError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpinfra.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidOperation):
		httpinfra.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logger.Error().Err(err).Msg("api: внутренняя ошибка")
		httpinfra.WriteError(w, http.StatusInternalServerError, "внутренняя ошибка")
	}
}

type addUserRequest struct {
	ChatID        int64 `json:"chat_id"`
	PostID        int64 `json:"post_id"`
	UserID        int64 `json:"user_id"`
	SessionNumber int   `json:"session_number"`
}

type addUserAtPositionRequest struct {
	ChatID         int64 `json:"chat_id"`
	PostID         int64 `json:"post_id"`
	UserID         int64 `json:"user_id"`
	AnchorPosition int   `json:"anchor_position"`
	TurnsToWait    int   `json:"turns_to_wait"`
	SessionNumber  int   `json:"session_number"`
}

type updatePositionRequest struct {
	Position int  `json:"position"`
	ToEnd    bool `json:"to_end"`
}

type sessionTypeRequest struct {
	SessionType string `json:"session_type"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type startSessionRequest struct {
	ChatID      int64  `json:"chat_id"`
	PostID      int64  `json:"post_id"`
	TeacherName string `json:"teacher_name"`
	CarryOver   *bool  `json:"carry_over"`
}

type updateTeacherRequest struct {
	ChatID        int64  `json:"chat_id"`
	PostID        int64  `json:"post_id"`
	SessionNumber int    `json:"session_number"`
	TeacherName   string `json:"teacher_name"`
}

func turnQueueResponse(turnQueue domain.TurnQueue) map[string]any {
	return map[string]any{
		"chat_id":         turnQueue.ChatID,
		"post_id":         turnQueue.PostID,
		"session_number":  turnQueue.SessionNumber,
		"teacher_name":    turnQueue.TeacherName,
		"active_users":    queueUsersResponse(turnQueue.ActiveUsers),
		"completed_users": queueUsersResponse(turnQueue.CompletedUsers),
	}
}

func queueUsersResponse(users []domain.QueueUser) []map[string]any {
	result := make([]map[string]any, 0, len(users))
	for _, user := range users {
		item := entryResponse(user.Entry)
		item["display_name"] = user.DisplayName
		item["username"] = user.Username
		result = append(result, item)
	}
	return result
}

func entryResponse(entry domain.QueueEntry) map[string]any {
	return map[string]any{
		"id":           entry.ID,
		"user_id":      entry.UserID,
		"position":     entry.Position,
		"session_type": entry.SessionType,
		"notes":        entry.Notes,
		"carried_over": entry.CarriedOver,
		"created_at":   entry.CreatedAt,
		"completed_at": entry.CompletedAt,
	}
}

func parseQueryInt64(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
}

func parsePathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
