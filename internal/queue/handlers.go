package queue

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/thc1006/flakeguard/internal/apperrors"
)

// QueueTasks is one queue's stats plus its most recent jobs.
type QueueTasks struct {
	Stats
	Recent []JobView `json:"recent"`
}

// TasksResponse is the response for the tasks view.
type TasksResponse struct {
	Queues []QueueTasks `json:"queues"`
}

// HandleListTasks handles GET /api/v1/tasks
func HandleListTasks(queues ...*Queue) http.HandlerFunc {
	recentStates := []State{StateActive, StateWaiting, StateDelayed, StateFailed, StateCompleted}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		resp := TasksResponse{Queues: make([]QueueTasks, 0, len(queues))}
		for _, q := range queues {
			stats, err := q.Stats(ctx)
			if err != nil {
				log.Error().Err(err).Str("queue", q.Name()).Msg("Failed to read queue stats")
				apperrors.WriteInternalError(w, r, "Failed to retrieve tasks")
				return
			}

			qt := QueueTasks{Stats: stats, Recent: []JobView{}}
			for _, state := range recentStates {
				jobs, err := q.RecentJobs(ctx, state, 10)
				if err != nil {
					log.Error().Err(err).Str("queue", q.Name()).Str("state", string(state)).Msg("Failed to list jobs")
					apperrors.WriteInternalError(w, r, "Failed to retrieve tasks")
					return
				}
				for _, job := range jobs {
					qt.Recent = append(qt.Recent, job.View())
				}
			}
			resp.Queues = append(resp.Queues, qt)
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, resp)
	}
}
