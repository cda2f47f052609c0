package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gemelolabs/gemelo-agent/internal/pairing"
)

type response struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	State string `json:"state"`
	BotID string `json:"botId"`
}

// API exposes the pairing machine over the local control surface.
type API struct {
	machine *pairing.Machine
	logger  *slog.Logger
}

func NewAPI(machine *pairing.Machine, logger *slog.Logger) *API {
	return &API{machine: machine, logger: logger}
}

func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/ping", a.ping)
	router.GET("/status", a.status)
	router.POST("/wake", a.wake)
}

func (a *API) ping(c *gin.Context) {
	c.JSON(http.StatusOK, response{Ok: true})
}

func (a *API) status(c *gin.Context) {
	c.JSON(http.StatusOK, response{Ok: true, Data: statusResponse{
		State: a.machine.State().String(),
		BotID: a.machine.BotID(),
	}})
}

// wake triggers a manual wake. Outside listening state this is a no-op
// and still reports ok; a failed wake request is reported but, like the
// machine itself, treated as non-fatal.
func (a *API) wake(c *gin.Context) {
	state := a.machine.State()
	if state != pairing.StateListening {
		a.logger.Debug("wake ignored", "state", state)
		c.JSON(http.StatusOK, response{Ok: true, Data: statusResponse{
			State: state.String(),
			BotID: a.machine.BotID(),
		}})
		return
	}

	if err := a.machine.WakeUpGemelo(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, response{Ok: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, response{Ok: true})
}
