package dependencies

import (
	"github.com/jonboulle/clockwork"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/servicectx"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
	"github.com/keboola/keboola-shardjob/internal/pkg/validator"
)

// baseScope implements BaseScope interface.
type baseScope struct {
	logger    log.Logger
	telemetry telemetry.Telemetry
	clock     clockwork.Clock
	validator *validator.Validator
	process   *servicectx.Process
}

func NewBaseScope(logger log.Logger, tel telemetry.Telemetry, clock clockwork.Clock, proc *servicectx.Process, val *validator.Validator) BaseScope {
	return newBaseScope(logger, tel, clock, proc, val)
}

func newBaseScope(logger log.Logger, tel telemetry.Telemetry, clock clockwork.Clock, proc *servicectx.Process, val *validator.Validator) *baseScope {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if val == nil {
		val = validator.New()
	}
	return &baseScope{
		logger:    logger,
		telemetry: tel,
		clock:     clock,
		validator: val,
		process:   proc,
	}
}

func (v *baseScope) Logger() log.Logger {
	return v.logger
}

func (v *baseScope) Telemetry() telemetry.Telemetry {
	return v.telemetry
}

func (v *baseScope) Clock() clockwork.Clock {
	return v.clock
}

func (v *baseScope) Validator() *validator.Validator {
	return v.validator
}

func (v *baseScope) Process() *servicectx.Process {
	return v.process
}
