package api

import (
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"tradingd/internal/errs"
	"tradingd/internal/lifecycle"
	"tradingd/internal/orchestrator"
)

// strategyNamePattern and instrumentPattern are the closed validation rules
// §6 names. Instruments in this daemon carry a contract suffix (BTC-USD-PERP)
// beyond the two-segment form spec.md's regex literally shows; §6 explicitly
// allows "venue-native form after a translation layer", so the pattern here
// accepts one-or-more dash-separated upper-case segments.
var (
	strategyNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)
	instrumentPattern   = regexp.MustCompile(`^[A-Z]+(-[A-Z]+)+$`)
)

type startStrategyRequest struct {
	StrategyName string          `json:"strategy_name"`
	Instrument   string          `json:"instrument"`
	Broker       string          `json:"broker"`
	Environment  string          `json:"environment"`
	Params       map[string]any  `json:"params"`
}

// startStrategy implements POST /strategy/start: validate, enqueue through
// the Worker Orchestrator (C8), surface §7's status-code mapping for
// SingleStrategyViolation (409) and EntitlementExceeded (429) directly from
// the domain error taxonomy.
func (s *Server) startStrategy(c *gin.Context) {
	userID := CurrentUserID(c)

	var req startStrategyRequest
	if err := c.BindJSON(&req); err != nil {
		errJSON(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	if !strategyNamePattern.MatchString(req.StrategyName) {
		errJSON(c, http.StatusBadRequest, "INVALID_STRATEGY_NAME", "strategy_name must match [A-Za-z0-9_-]{1,50}")
		return
	}
	if !instrumentPattern.MatchString(req.Instrument) {
		errJSON(c, http.StatusBadRequest, "INVALID_INSTRUMENT", "instrument must match [A-Z]+(-[A-Z]+)+")
		return
	}
	if _, err := s.strategies.Build(req.StrategyName); err != nil {
		errJSON(c, http.StatusBadRequest, "UNKNOWN_STRATEGY", err.Error())
		return
	}

	brokerName := req.Broker
	if brokerName == "" {
		brokerName = s.brokerName
	}
	env := req.Environment
	if env == "" {
		env = s.environment
	}

	cfgYAML, err := paramsToYAML(req.Params)
	if err != nil {
		errJSON(c, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
		return
	}

	job, err := s.orchestrator.StartRunner(c.Request.Context(), orchestrator.StartRequest{
		UserID:       userID,
		StrategyName: req.StrategyName,
		Instrument:   req.Instrument,
		Broker:       brokerName,
		Environment:  env,
		Config:       cfgYAML,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":        job.JobID,
		"state":         job.State,
		"strategy_name": job.StrategyName,
		"instrument":    job.Instrument,
	})
}

type stopStrategyRequest struct {
	StrategyID string `json:"strategy_id"`
	Force      bool   `json:"force"`
}

// stopStrategy implements POST /strategy/stop. force=true triggers a
// flatten (emergency-close any open position before the cooperative stop);
// force=false leaves broker state untouched, per §9's open policy knob —
// this daemon supports both. Always accepted, best-effort (§7).
func (s *Server) stopStrategy(c *gin.Context) {
	userID := CurrentUserID(c)

	var req stopStrategyRequest
	_ = c.BindJSON(&req) // an empty body means "stop everything for this user"

	ctx := c.Request.Context()
	if req.StrategyID != "" {
		if err := s.orchestrator.StopRunner(ctx, req.StrategyID, req.Force); err != nil {
			errJSON(c, http.StatusInternalServerError, "STOP_FAILED", err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"stopped": req.StrategyID, "flattened": req.Force})
		return
	}

	failures := s.orchestrator.StopAll(ctx, userID, req.Force)
	resp := gin.H{"stopped_user": userID, "flattened": req.Force}
	if len(failures) > 0 {
		msgs := make([]string, 0, len(failures))
		for _, e := range failures {
			msgs = append(msgs, e.Error())
		}
		resp["partial_failures"] = msgs
	}
	c.JSON(http.StatusOK, resp)
}

// strategyStatus implements GET /strategy/status/:id: lifecycle, position,
// and a cooldown hint, per §6. The ":id" names a WorkerJob id; status is
// scoped to the caller's own jobs only.
func (s *Server) strategyStatus(c *gin.Context) {
	userID := CurrentUserID(c)
	jobID := c.Param("id")

	var job *orchestrator.Job
	for _, j := range s.orchestrator.Status(userID) {
		j := j
		if j.JobID == jobID {
			job = &j
			break
		}
	}
	if job == nil {
		errJSON(c, http.StatusNotFound, "NOT_FOUND", "no such strategy job for this user")
		return
	}

	st, err := s.lifecycle.Get(userID)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	cooldown := cooldownRemaining(st)
	c.JSON(http.StatusOK, gin.H{
		"job_id":        job.JobID,
		"job_state":     job.State,
		"lifecycle":     st.Lifecycle,
		"strategy_name": st.StrategyName,
		"instrument":    st.Instrument,
		"has_position":  st.HasPosition,
		"position": gin.H{
			"entry_price": st.PositionEntryPrice,
			"size":        st.PositionSize,
			"side":        st.PositionSide,
		},
		"error_count":        st.ErrorCount,
		"last_action":        st.LastAction,
		"last_transition":    st.LastTransition,
		"cooldown_remaining": cooldown.String(),
	})
}

func cooldownRemaining(st lifecycle.State) time.Duration {
	const cooldownWindow = 5 * time.Second
	elapsed := time.Since(st.LastTransition)
	if elapsed >= cooldownWindow {
		return 0
	}
	return cooldownWindow - elapsed
}

func writeDomainError(c *gin.Context, err error) {
	if de, ok := err.(*errs.Error); ok {
		errJSON(c, errs.HTTPStatus(de.Kind), string(de.Kind), de.Detail)
		return
	}
	errJSON(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

// paramsToYAML re-encodes the request's free-form JSON params as the closed
// YAML document strategy.Configure expects (§9 "dynamic record-typed
// config"): the HTTP boundary still accepts a JSON object for client
// convenience, but it crosses into the core as the same document format
// every strategy plug-in parses.
func paramsToYAML(params map[string]any) ([]byte, error) {
	if params == nil {
		return []byte("{}\n"), nil
	}
	return yaml.Marshal(params)
}
