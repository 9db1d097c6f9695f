package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
	"github.com/victornm/fireprep/internal/leaderboard"
	"github.com/victornm/fireprep/internal/remote"
)

func (a *API) healthz(c *gin.Context) {
	if err := a.store.Ping(c.Request.Context()); err != nil {
		abort(c, errors.New(errors.CodeUnavailable, errors.WithCause(err), errors.WithMessagef("store unavailable")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) createSession(c *gin.Context) {
	var row remote.SessionRow
	if !bind(c, &row) {
		return
	}
	if row.SessionID == "" || row.OwnerID == "" {
		abort(c, invalid("session_id and owner_id are required"))
		return
	}
	if row.Status == "" {
		row.Status = remote.StatusInProgress
	}

	if err := a.store.CreateSession(c.Request.Context(), row); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

func (a *API) getSession(c *gin.Context) {
	row, err := a.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (a *API) updateSession(c *gin.Context) {
	var patch remote.SessionPatch
	if !bind(c, &patch) {
		return
	}

	if err := a.store.UpdateSession(c.Request.Context(), c.Param("id"), patch); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) listAnswers(c *gin.Context) {
	rows, err := a.store.ListAnswers(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	if rows == nil {
		rows = []remote.AnswerRow{}
	}
	c.JSON(http.StatusOK, rows)
}

func (a *API) insertAnswer(c *gin.Context) {
	var row remote.AnswerRow
	if !bind(c, &row) {
		return
	}
	if !fromPath(&row.SessionID, c.Param("id")) || !fromPath(&row.QuestionID, c.Param("qid")) {
		abort(c, invalid("answer does not match the request path"))
		return
	}
	if row.TimeTaken < 0 {
		abort(c, invalid("time_taken must not be negative"))
		return
	}

	if err := a.store.InsertAnswer(c.Request.Context(), row); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

func (a *API) finalizeSession(c *gin.Context) {
	var f remote.Finalization
	if !bind(c, &f) {
		return
	}

	if err := a.store.FinalizeSession(c.Request.Context(), c.Param("id"), f); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) applyPoints(c *gin.Context) {
	var d remote.PointsDelta
	if !bind(c, &d) {
		return
	}
	if !fromPath(&d.UserID, c.Param("uid")) || d.SessionID == "" {
		abort(c, invalid("points must name the path user and a session"))
		return
	}

	ctx := c.Request.Context()
	st, err := a.store.ApplyPoints(ctx, d)
	if err != nil {
		abort(c, err)
		return
	}

	a.eb.Publish(ctx, domain.EventPointsApplied{Standing: st})
	c.JSON(http.StatusOK, st)
}

func (a *API) getStanding(c *gin.Context) {
	st, err := a.store.GetStanding(c.Request.Context(), c.Param("uid"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) listActiveSessions(c *gin.Context) {
	rows, err := a.store.ListActiveSessions(c.Request.Context(), c.Param("uid"))
	if err != nil {
		abort(c, err)
		return
	}
	if rows == nil {
		rows = []remote.SessionRow{}
	}
	c.JSON(http.StatusOK, rows)
}

func (a *API) getLeaderboard(c *gin.Context) {
	if a.ls == nil {
		abort(c, errors.New(errors.CodeUnavailable, errors.WithMessagef("leaderboard is not configured")))
		return
	}

	var limit int
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			abort(c, invalid("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{Limit: limit})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		abort(c, invalid("decode body: %v", err))
		return false
	}
	return true
}

// fromPath fills an empty body field from the path and reports whether both agree.
func fromPath(field *string, param string) bool {
	if *field == "" {
		*field = param
	}
	return *field == param
}

func invalid(format string, args ...any) *errors.Error {
	return errors.New(errors.CodeInvalidArgument, errors.WithMessagef(format, args...))
}

// abort writes err as {code, reason, message}. Causes stay in the server log.
func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.HTTPStatusCode() >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"path", c.FullPath(),
			"error", err,
		)
	}
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
