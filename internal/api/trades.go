package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradingd/internal/history"
)

// tradeHistory implements GET /trades/history: a paged TradeRecord list plus
// aggregate stats over the same filter, scoped to the caller's own records.
func (s *Server) tradeHistory(c *gin.Context) {
	userID := CurrentUserID(c)

	q := history.Query{
		UserID:     userID,
		Strategy:   c.Query("strategy"),
		Instrument: c.Query("instrument"),
		Status:     history.Status(c.Query("status")),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			q.From = t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			q.To = t
		}
	}

	ctx := c.Request.Context()
	records, err := s.history.Query(ctx, q)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	stats, err := s.history.Stats(ctx, q)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"stats":   stats,
		"limit":   q.Limit,
		"offset":  q.Offset,
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
