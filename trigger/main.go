package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/input-output-hk/branchline/src/application/component/web"
)

type Config struct {
	Host             string `arg:"--host" default:"0.0.0.0"`
	Port             int    `arg:"--port, env:NOMAD_PORT_http" default:"8099"`
	SecretPath       string `arg:"--secret-file, required"`
	BranchlineApiUrl string `arg:"--branchline-api-url"`
	ServiceName      string `arg:"--service-name" default:"_branchline._tcp.service.consul"`
	ResolvConf       string `arg:"--resolv-conf" default:"/etc/resolv.conf"`
	LogLevel         string `arg:"--log-level" default:"info"`
}

func main() {
	config := Config{}
	arg.MustParse(&config)

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if level, err := zerolog.ParseLevel(config.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("parsing log level")
	} else {
		zerolog.SetGlobalLevel(level)
	}

	clientConfig, err := dns.ClientConfigFromFile(config.ResolvConf)
	if err != nil {
		log.Fatal().Err(err).Msg("reading resolv config")
	}

	secret, err := os.ReadFile(config.SecretPath)
	if err != nil {
		log.Fatal().Err(err).Msg("reading secret file")
	}
	secret = bytes.TrimSuffix(secret, []byte{'\n'})

	server := http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler: handler{
			clientConfig: clientConfig,
			secret:       secret,
			log:          log,
			apiUrl:       config.BranchlineApiUrl,
			serviceName:  config.ServiceName,
		},
	}

	log.Info().Str("addr", server.Addr).Msg("Starting server")
	if err := server.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("starting server")
	}
}

type handler struct {
	clientConfig *dns.ClientConfig
	secret       []byte
	log          zerolog.Logger
	apiUrl       string
	serviceName  string
}

func fail(w http.ResponseWriter, err error, status int) bool {
	if err != nil {
		w.WriteHeader(status)
		_, _ = fmt.Fprint(w, err.Error())
		return true
	}
	return false
}

const (
	branchRefPrefix = "refs/heads/"
	MiB             = 1048576
)

type pushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
}

func (h handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get("X-GitHub-Event")

	h.log.Info().Str("method", r.Method).Str("event", eventType).Msg("request")

	// We limit body sizes to 1MiB, hopefully that is enough
	body, err := io.ReadAll(io.LimitReader(r.Body, MiB))
	if fail(w, errors.WithMessage(err, "reading body"), http.StatusBadRequest) {
		return
	}

	err = web.ValidateSignature(r.Header.Get("X-Hub-Signature-256"), body, h.secret)
	if fail(w, errors.WithMessage(err, "HMAC invalid"), http.StatusBadRequest) {
		return
	}

	if eventType != "push" {
		fmt.Fprint(w, "ignored")
		return
	}

	event := pushEvent{}
	err = json.Unmarshal(body, &event)
	if fail(w, errors.WithMessage(err, "unmarshal body"), http.StatusBadRequest) {
		return
	}

	if !strings.HasPrefix(event.Ref, branchRefPrefix) || event.Deleted || event.After == "" {
		fmt.Fprint(w, "ignored")
		return
	}
	branch := strings.TrimPrefix(event.Ref, branchRefPrefix)

	apiAddr := h.apiUrl
	if apiAddr == "" {
		apiAddr, err = h.lookupSRV(h.serviceName)
		if fail(w, errors.WithMessage(err, "Looking up DNS"), http.StatusInternalServerError) {
			return
		}
		apiAddr = fmt.Sprintf("http://%s/api", apiAddr)
	}

	buf := &bytes.Buffer{}
	err = json.NewEncoder(buf).Encode(map[string]string{"commit": event.After})
	if fail(w, errors.WithMessage(err, "marshal payload"), http.StatusInternalServerError) {
		return
	}

	res, err := http.Post(apiAddr+"/branch/"+url.PathEscape(branch)+"/trigger", "application/json", buf)
	if fail(w, errors.WithMessage(err, "triggering run"), http.StatusBadGateway) {
		return
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		h.log.Debug().Str("branch", branch).Msg("ignoring push to branch without pipeline")
		fmt.Fprint(w, "ignored")
	case res.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(res.Body, MiB))
		fail(w, errors.Errorf("triggering run: %d %s", res.StatusCode, strings.TrimSpace(string(msg))), http.StatusBadGateway)
	default:
		fmt.Fprint(w, "ok")
	}
}

// TODO: should add retries, Ndot handling, local search, etc...
// maybe replace with https://github.com/benschw/srv-lb
func (h handler) lookupSRV(query string) (string, error) {
	server := fmt.Sprintf("%s:%s", h.clientConfig.Servers[0], h.clientConfig.Port)

	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(query), dns.TypeSRV)
	c := &dns.Client{}
	in, _, err := c.Exchange(m, server)
	if err != nil {
		return "", errors.WithMessage(err, "looking up SRV record")
	}

	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			m := &dns.Msg{}
			m.SetQuestion(dns.Fqdn(srv.Target), dns.TypeA)
			in, _, err := c.Exchange(m, server)
			if err != nil {
				return "", errors.WithMessage(err, "looking up A record")
			}
			for _, answer := range in.Answer {
				if a, ok := answer.(*dns.A); ok {
					return fmt.Sprintf("%s:%d", a.A, srv.Port), nil
				}
			}
		}
	}

	return "", errors.New("No DNS record found")
}
