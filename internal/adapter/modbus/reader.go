package modbus

import (
	"context"
	"fmt"
	"time"

	"github.com/gridpulse/metergate/internal/domain"
	"github.com/gridpulse/metergate/internal/metrics"
	"github.com/rs/zerolog"
)

// ReadPolicy bounds the stages of a single meter read. Zero values
// fall back to the pool's configured timeouts.
type ReadPolicy struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	AcquireTimeout time.Duration
}

// Reader is the meter read orchestrator: it turns "read this meter"
// into one register transaction per descriptor on a pooled session and
// assembles the results into a single MeterReading, tolerating
// per-register failures.
type Reader struct {
	pool    *Pool
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// NewReader creates a reader on top of an existing pool.
func NewReader(pool *Pool, logger zerolog.Logger, metricsReg *metrics.Registry) *Reader {
	return &Reader{
		pool:    pool,
		logger:  logger.With().Str("component", "meter-reader").Logger(),
		metrics: metricsReg,
	}
}

// ReadMeter reads the named registers from the device at addr. Pool
// and connect failures fail the whole read; register-level failures
// are recorded per register and the remaining registers still run.
// Every requested register appears in the result with an explicit
// status. Registers is the full default set when empty.
func (r *Reader) ReadMeter(ctx context.Context, addr domain.DeviceAddress, registers []domain.RegisterDescriptor, policy ReadPolicy) (*domain.MeterReading, error) {
	if err := addr.Validate(); err != nil {
		return nil, domain.WrapModbusError(domain.KindProtocolError, addr,
			"invalid device address", err)
	}
	if len(registers) == 0 {
		registers = domain.DefaultRegisterSet()
	}

	start := time.Now()
	reading, err := r.readMeter(ctx, addr, registers, policy)
	if r.metrics != nil {
		result := "ok"
		switch {
		case err != nil:
			result = string(domain.KindOf(err))
		case !reading.OverallSuccess:
			result = "partial"
		}
		r.metrics.RecordMeterRead(result, time.Since(start).Seconds())
	}
	return reading, err
}

func (r *Reader) readMeter(ctx context.Context, addr domain.DeviceAddress, registers []domain.RegisterDescriptor, policy ReadPolicy) (*domain.MeterReading, error) {
	acquireCtx := ctx
	if policy.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, policy.AcquireTimeout)
		defer cancel()
	}

	session, err := r.pool.AcquireWithConnectTimeout(acquireCtx, addr, policy.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(session)

	reading := domain.NewMeterReading(addr, len(registers))
	perRegister := make(map[string]error)

	for i, reg := range registers {
		if err := reg.Validate(); err != nil {
			reading.ErrorValue(reg.Name, domain.WrapModbusError(domain.KindProtocolError, addr,
				fmt.Sprintf("invalid descriptor %q", reg.Name), err))
			perRegister[reg.Name] = err
			continue
		}

		words, err := r.readRegister(ctx, session, reg, policy)
		if err != nil {
			reading.ErrorValue(reg.Name, err)
			perRegister[reg.Name] = err
			if r.metrics != nil {
				r.metrics.RecordRegisterError(string(domain.KindOf(err)))
			}
			// A poisoned session cannot carry further transactions;
			// the remaining registers fail with the same cause.
			if !session.Healthy() {
				for _, rest := range registers[i+1:] {
					reading.ErrorValue(rest.Name, err)
					perRegister[rest.Name] = err
				}
				break
			}
			continue
		}

		raw, err := reg.CombineWords(words)
		if err != nil {
			werr := domain.WrapModbusError(domain.KindInvalidResponse, addr,
				fmt.Sprintf("register %q returned %d words", reg.Name, len(words)), err)
			reading.ErrorValue(reg.Name, werr)
			perRegister[reg.Name] = werr
			continue
		}

		reading.OKValue(reg.Name, raw, reg.ScaledValue(raw))
	}

	if len(perRegister) > 0 {
		reading.OverallSuccess = false
		reading.Err = r.aggregate(addr, registers, perRegister)
		r.logger.Debug().
			Str("device", addr.String()).
			Int("failed", len(perRegister)).
			Int("requested", len(registers)).
			Msg("Meter read completed with register failures")
	}

	return reading, nil
}

// readRegister runs one register transaction, bounded by the policy's
// read timeout when set.
func (r *Reader) readRegister(ctx context.Context, session *Session, reg domain.RegisterDescriptor, policy ReadPolicy) ([]uint16, error) {
	readCtx := ctx
	if policy.ReadTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, policy.ReadTimeout)
		defer cancel()
	}
	return session.ReadRegisters(readCtx, reg.Bank, reg.Address, reg.Count)
}

// aggregate builds the reading-level error from per-register causes.
// When some registers succeeded the kind is partial_read; when all of
// them failed the dominant underlying kind is reported instead.
func (r *Reader) aggregate(addr domain.DeviceAddress, registers []domain.RegisterDescriptor, perRegister map[string]error) *domain.ModbusError {
	kind := domain.KindPartialRead
	msg := fmt.Sprintf("%d of %d registers failed", len(perRegister), len(registers))
	if len(perRegister) == len(registers) {
		for _, reg := range registers {
			if cause, ok := perRegister[reg.Name]; ok {
				kind = domain.KindOf(cause)
				break
			}
		}
		msg = "all registers failed"
	}
	return &domain.ModbusError{
		Kind:             kind,
		Address:          addr,
		Message:          msg,
		PerRegisterCause: perRegister,
	}
}
