// internal/controller/service_controller.go
package controller

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/smsleopard-relay/internal/service"
)

// Lifecycle is what the hosting environment can do with the dispatch loop.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() service.Status
}

// ServiceController is the start/stop facade the host talks to.
type ServiceController struct {
	Dispatcher Lifecycle
	Logger     logrus.FieldLogger
}

func NewServiceController(d Lifecycle, logger logrus.FieldLogger) *ServiceController {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ServiceController{Dispatcher: d, Logger: logger}
}

// Start brings the loop up. A configuration problem is returned to the caller
// and also kept in Status().LastError.
func (c *ServiceController) Start(ctx context.Context) error {
	if err := c.Dispatcher.Start(ctx); err != nil {
		c.Logger.WithError(err).Warn("SMS service did not start")
		return err
	}
	return nil
}

// Stop is safe to call in any state.
func (c *ServiceController) Stop(ctx context.Context) error {
	return c.Dispatcher.Stop(ctx)
}

func (c *ServiceController) Status() service.Status {
	return c.Dispatcher.Status()
}
