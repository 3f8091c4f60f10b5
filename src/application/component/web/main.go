package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/input-output-hk/branchline/src/application/service"
	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/domain"
	"github.com/input-output-hk/branchline/src/domain/repository"
)

type Web struct {
	Config config.WebConfig

	Logger           zerolog.Logger
	PipelineService  service.PipelineService
	ProvisionService service.ProvisionService
	RunService       service.RunService
	Gatherer         prometheus.Gatherer
}

func (self *Web) Start(ctx context.Context) error {
	self.Logger.Info().Str("listen", self.Config.Listen).Msg("Starting")

	server := &http.Server{Addr: self.Config.Listen, Handler: self.Handler()}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			self.Logger.Err(err).Msgf("Failed to start web server on %s", self.Config.Listen)
		}
	}()

	<-ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		self.Logger.Err(err).Msg("Failed to stop web server")
	}

	return nil
}

func (self *Web) Handler() http.Handler {
	r := mux.NewRouter().StrictSlash(true).UseEncodedPath()
	r.NotFoundHandler = http.NotFoundHandler()

	// sorted alphabetically, please keep it this way
	r.HandleFunc("/api/branch/{branch}/run", self.ApiBranchRunGet).Methods(http.MethodGet)
	r.HandleFunc("/api/branch/{branch}/trigger", self.ApiBranchTriggerPost).Methods(http.MethodPost)
	r.HandleFunc("/api/run/{id}/watch", self.ApiRunIdWatchGet).Methods(http.MethodGet)
	r.HandleFunc("/api/run/{id}", self.ApiRunIdDelete).Methods(http.MethodDelete)
	r.HandleFunc("/api/run/{id}", self.ApiRunIdGet).Methods(http.MethodGet)
	r.HandleFunc("/api/stack/{branch}", self.ApiStackBranchDelete).Methods(http.MethodDelete)
	r.HandleFunc("/api/stack/{branch}", self.ApiStackBranchGet).Methods(http.MethodGet)
	r.HandleFunc("/api/stack", self.ApiStackGet).Methods(http.MethodGet)
	r.HandleFunc("/api/stack", self.ApiStackPost).Methods(http.MethodPost)
	r.HandleFunc("/api/webhook/push", self.ApiWebhookPushPost).Methods(http.MethodPost)

	gatherer := self.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

func (self *Web) ApiStackGet(w http.ResponseWriter, req *http.Request) {
	if stacks, err := self.ProvisionService.GetAll(); err != nil {
		self.ServerError(w, err)
	} else {
		self.json(w, stacks, http.StatusOK)
	}
}

// ApiStackPost accepts a single provision request or an array of them.
func (self *Web) ApiStackPost(w http.ResponseWriter, req *http.Request) {
	body := json.RawMessage{}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		self.ClientError(w, errors.WithMessage(err, "Could not decode body"))
		return
	}

	requests := []service.ProvisionRequest{}
	single := len(body) > 0 && body[0] == '{'
	if single {
		request := service.ProvisionRequest{}
		if err := json.Unmarshal(body, &request); err != nil {
			self.ClientError(w, errors.WithMessage(err, "Could not decode body"))
			return
		}
		requests = append(requests, request)
	} else if err := json.Unmarshal(body, &requests); err != nil {
		self.ClientError(w, errors.WithMessage(err, "Could not decode body"))
		return
	}

	stacks, err := self.ProvisionService.ProvisionAll(req.Context(), requests)
	if err != nil {
		self.Error(w, err)
		return
	}

	if single {
		self.json(w, stacks[0], http.StatusCreated)
	} else {
		self.json(w, stacks, http.StatusCreated)
	}
}

type apiStackBranchResponse struct {
	*domain.PipelineStack
	Deployed []*domain.DeployedState `json:"deployed"`
}

func (self *Web) ApiStackBranchGet(w http.ResponseWriter, req *http.Request) {
	branch, ok := self.getBranch(w, req)
	if !ok {
		return
	}

	stack, err := self.ProvisionService.Get(branch)
	switch {
	case err != nil:
		self.ServerError(w, err)
		return
	case stack == nil:
		self.NotFound(w, nil)
		return
	}

	deployed, err := self.ProvisionService.GetAllDeployed(branch)
	if err != nil {
		self.ServerError(w, err)
		return
	}
	if deployed == nil {
		deployed = []*domain.DeployedState{}
	}

	self.json(w, apiStackBranchResponse{stack, deployed}, http.StatusOK)
}

func (self *Web) ApiStackBranchDelete(w http.ResponseWriter, req *http.Request) {
	branch, ok := self.getBranch(w, req)
	if !ok {
		return
	}

	if err := self.ProvisionService.Deprovision(req.Context(), branch); err != nil {
		self.Error(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type apiBranchTriggerPostBody struct {
	Commit string `json:"commit"`
}

func (self *Web) ApiBranchTriggerPost(w http.ResponseWriter, req *http.Request) {
	branch, ok := self.getBranch(w, req)
	if !ok {
		return
	}

	body := apiBranchTriggerPostBody{}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		self.ClientError(w, errors.WithMessage(err, "Could not decode body"))
		return
	}
	if body.Commit == "" {
		self.ClientError(w, errors.New("commit is required"))
		return
	}

	run, err := self.PipelineService.Trigger(req.Context(), branch, body.Commit)
	if err != nil {
		self.Error(w, err)
		return
	}

	self.json(w, run, http.StatusAccepted)
}

func (self *Web) ApiBranchRunGet(w http.ResponseWriter, req *http.Request) {
	branch, ok := self.getBranch(w, req)
	if !ok {
		return
	}

	page, err := getPage(req)
	if err != nil {
		self.ClientError(w, err)
		return
	}

	runs, err := self.RunService.GetByBranch(branch, page)
	if err != nil {
		self.ServerError(w, err)
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}

	self.json(w, map[string]any{"page": page, "runs": runs}, http.StatusOK)
}

func (self *Web) ApiRunIdGet(w http.ResponseWriter, req *http.Request) {
	switch run, ok := self.getRun(w, req); {
	case !ok:
	case run == nil:
		self.NotFound(w, nil)
	default:
		self.json(w, run, http.StatusOK)
	}
}

func (self *Web) ApiRunIdDelete(w http.ResponseWriter, req *http.Request) {
	if run, ok := self.getRun(w, req); !ok {
		return
	} else if run == nil {
		self.NotFound(w, nil)
		return
	} else if err := self.PipelineService.Cancel(req.Context(), run.ID); err != nil {
		self.Error(w, errors.WithMessagef(err, "Failed to cancel Run %q", run.ID))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

var websocketUpgrader = websocket.Upgrader{}

// ApiRunIdWatchGet streams the run as JSON on every change until it finishes.
func (self *Web) ApiRunIdWatchGet(w http.ResponseWriter, req *http.Request) {
	id, err := uuidVar(req)
	if err != nil {
		self.ClientError(w, err)
		return
	}

	watcher, stop, err := self.PipelineService.Watch(id)
	if err != nil {
		self.Error(w, err)
		return
	}

	conn, err := websocketUpgrader.Upgrade(w, req, nil)
	if err != nil {
		stop()
		return
	}

	go func() {
		defer func() {
			stop()
			if err := conn.Close(); err != nil {
				self.Logger.Err(err).Msg("While closing websocket")
			}
		}()

		// Stop watching when the client goes away.
		go func() {
			defer stop()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		for run := range watcher {
			if err := conn.WriteJSON(run); err != nil {
				self.Logger.Err(err).Msg("While writing message to websocket")
				return
			}
		}

		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished"),
			time.Now().Add(time.Second),
		)
	}()
}

func getPage(req *http.Request) (*repository.Page, error) {
	page := repository.Page{}

	if offsetStr := req.FormValue("offset"); offsetStr == "" {
		page.Offset = 0
	} else if offset, err := strconv.Atoi(offsetStr); err != nil || offset < 0 {
		return nil, errors.New("offset parameter is invalid, should be positive integer")
	} else {
		page.Offset = offset
	}

	if limitStr := req.FormValue("limit"); limitStr == "" {
		page.Limit = 10
	} else if limit, err := strconv.Atoi(limitStr); err != nil || limit <= 0 {
		return nil, errors.New("limit parameter is invalid, should be positive integer")
	} else {
		page.Limit = limit
	}

	return &page, nil
}

// Returns (_, false) if an error occurred.
// The error is already sent to the client.
func (self *Web) getBranch(w http.ResponseWriter, req *http.Request) (domain.Branch, bool) {
	name, err := url.PathUnescape(mux.Vars(req)["branch"])
	if err != nil {
		self.ClientError(w, err)
		return "", false
	}

	branch, err := domain.ParseBranch(name)
	if err != nil {
		self.ClientError(w, err)
		return "", false
	}

	return branch, true
}

// Returns (_, false) if an error occurred.
// The error is already sent to the client.
func (self *Web) getRun(w http.ResponseWriter, req *http.Request) (*domain.Run, bool) {
	if id, err := uuidVar(req); err != nil {
		self.ClientError(w, err)
		return nil, false
	} else if run, err := self.RunService.GetById(id); err != nil {
		self.ServerError(w, err)
		return run, false
	} else {
		return run, true
	}
}

type HandlerError struct {
	error
	StatusCode int
}

func (self HandlerError) HasError() bool {
	return self.error != nil
}

func (self *Web) ServerError(w http.ResponseWriter, err error) {
	self.Error(w, HandlerError{err, http.StatusInternalServerError})
}

func (self *Web) ClientError(w http.ResponseWriter, err error) {
	self.Error(w, HandlerError{err, http.StatusBadRequest})
}

func (self *Web) NotFound(w http.ResponseWriter, err error) {
	self.Error(w, HandlerError{err, http.StatusNotFound})
}

// Error responds with the status that matches err.
func (self *Web) Error(w http.ResponseWriter, err error) {
	status := errorStatus(err)

	if handlerErr, ok := err.(HandlerError); ok {
		status = handlerErr.StatusCode
		if !handlerErr.HasError() {
			err = nil
		}
	}

	var e *zerolog.Event
	if status >= 500 {
		e = self.Logger.Error().Err(err)
	} else {
		e = self.Logger.Debug().AnErr("reason", err)
	}
	e.Int("status", status).Msg("Handler error")

	var msg string
	if err != nil {
		msg = err.Error()
	}

	http.Error(w, msg, status)
}

func errorStatus(err error) int {
	var graphError *domain.GraphValidationError
	switch {
	case errors.Is(err, domain.ErrInvalidBranch), errors.As(err, &graphError):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownBranch), errors.Is(err, domain.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBranchCollision), errors.Is(err, domain.ErrRunInProgress):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (self *Web) json(w http.ResponseWriter, obj any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		self.Logger.Err(err).Msg("Could not encode response")
	}
}
