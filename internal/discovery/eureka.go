// Package discovery registers the service with a Eureka registry for the
// lifetime of the process.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrRegistry is returned when the registry answers with an error status.
var ErrRegistry = errors.New("registry rejected request")

// Registrar is a lifecycle hook around process start and stop.
type Registrar interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

// Noop is used when no registry is configured.
type Noop struct{}

func (Noop) Register(context.Context) error   { return nil }
func (Noop) Deregister(context.Context) error { return nil }

// EurekaOptions identify this instance to the registry.
type EurekaOptions struct {
	ServerURL    string
	AppName      string
	InstanceHost string
	Port         int
	Heartbeat    time.Duration
}

// EurekaClient registers one instance and keeps its lease alive.
type EurekaClient struct {
	client    *resty.Client
	app       string
	instance  instanceInfo
	heartbeat time.Duration
	logger    *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

type instanceInfo struct {
	InstanceID     string         `json:"instanceId"`
	HostName       string         `json:"hostName"`
	App            string         `json:"app"`
	IPAddr         string         `json:"ipAddr"`
	VipAddress     string         `json:"vipAddress"`
	Status         string         `json:"status"`
	Port           portInfo       `json:"port"`
	SecurePort     portInfo       `json:"securePort"`
	HomePageURL    string         `json:"homePageUrl"`
	StatusPageURL  string         `json:"statusPageUrl"`
	HealthCheckURL string         `json:"healthCheckUrl"`
	DataCenterInfo dataCenterInfo `json:"dataCenterInfo"`
	LeaseInfo      leaseInfo      `json:"leaseInfo"`
}

type portInfo struct {
	Port    int    `json:"$"`
	Enabled string `json:"@enabled"`
}

type dataCenterInfo struct {
	Class string `json:"@class"`
	Name  string `json:"name"`
}

type leaseInfo struct {
	RenewalIntervalInSecs int `json:"renewalIntervalInSecs"`
	DurationInSecs        int `json:"durationInSecs"`
}

// NewEurekaClient builds a client for opts.ServerURL, for example
// http://eureka:8761/eureka.
func NewEurekaClient(opts EurekaOptions, logger *zap.Logger) *EurekaClient {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	app := strings.ToUpper(opts.AppName)
	base := "http://" + opts.InstanceHost + ":" + strconv.Itoa(opts.Port)
	renewal := max(int(opts.Heartbeat/time.Second), 1)

	return &EurekaClient{
		client: resty.New().
			SetBaseURL(strings.TrimRight(opts.ServerURL, "/")).
			SetHeader("Accept", "application/json").
			SetTimeout(10 * time.Second),
		app: app,
		instance: instanceInfo{
			InstanceID:     fmt.Sprintf("%s:%s:%d", opts.InstanceHost, strings.ToLower(opts.AppName), opts.Port),
			HostName:       opts.InstanceHost,
			App:            app,
			IPAddr:         opts.InstanceHost,
			VipAddress:     strings.ToLower(opts.AppName),
			Status:         "UP",
			Port:           portInfo{Port: opts.Port, Enabled: "true"},
			SecurePort:     portInfo{Port: 443, Enabled: "false"},
			HomePageURL:    base + "/",
			StatusPageURL:  base + "/health",
			HealthCheckURL: base + "/health",
			DataCenterInfo: dataCenterInfo{Class: "com.netflix.appinfo.InstanceInfo$DefaultDataCenterInfo", Name: "MyOwn"},
			LeaseInfo:      leaseInfo{RenewalIntervalInSecs: renewal, DurationInSecs: renewal * 3},
		},
		heartbeat: opts.Heartbeat,
		logger:    logger.Named("eureka").With(zap.String("app", app)),
	}
}

// Register announces the instance and starts sending heartbeats.
func (e *EurekaClient) Register(ctx context.Context) error {
	if err := e.register(ctx); err != nil {
		return err
	}
	e.logger.Info("registered with eureka", zap.String("instance_id", e.instance.InstanceID))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop == nil {
		e.stop = make(chan struct{})
		e.done = make(chan struct{})
		go e.heartbeatLoop(e.stop, e.done)
	}
	return nil
}

// Deregister stops the heartbeats and removes the instance.
func (e *EurekaClient) Deregister(ctx context.Context) error {
	e.mu.Lock()
	if e.stop != nil {
		close(e.stop)
		<-e.done
		e.stop, e.done = nil, nil
	}
	e.mu.Unlock()

	resp, err := e.client.R().SetContext(ctx).Delete(e.instancePath())
	if err := checkResponse("deregister", resp, err); err != nil {
		return err
	}
	e.logger.Info("deregistered from eureka")
	return nil
}

func (e *EurekaClient) register(ctx context.Context) error {
	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]instanceInfo{"instance": e.instance}).
		Post("/apps/" + e.app)
	return checkResponse("register", resp, err)
}

func (e *EurekaClient) renew(ctx context.Context) error {
	resp, err := e.client.R().SetContext(ctx).Put(e.instancePath())
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		e.logger.Warn("lease unknown to eureka, registering again")
		return e.register(ctx)
	}
	return checkResponse("renew", resp, err)
}

func (e *EurekaClient) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.heartbeat)
			if err := e.renew(ctx); err != nil {
				e.logger.Warn("eureka heartbeat failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (e *EurekaClient) instancePath() string {
	return "/apps/" + e.app + "/" + e.instance.InstanceID
}

func checkResponse(action string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("eureka %s: %w", action, err)
	}
	if resp.IsError() {
		return fmt.Errorf("eureka %s: %w: %d", action, ErrRegistry, resp.StatusCode())
	}
	return nil
}
