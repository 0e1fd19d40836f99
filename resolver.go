package espserial

import (
	"context"
	"errors"
	"log/slog"
	"sort"
)

const defaultConnectAttempts = 3

// Resolver decides which port and target a device binds to
type Resolver struct {
	Protocol ChipProtocol
	Lister   PortLister
	Cache    *AffinityCache // optional
	Attempts int            // connect attempts per candidate, default 3
	Logger   *slog.Logger
}

// ResolveRequest parameters for Resolver.Resolve
type ResolveRequest struct {
	Port        string // explicit port, empty to discover
	Target      string // empty or TargetAuto accepts any chip
	InitialBaud int
}

// Resolution is the outcome of a successful Resolve
type Resolution struct {
	Chip       ChipHandle // already closed; kept for inspection
	Port       string
	Target     string // normalized chip name, e.g. "esp32s3"
	ChipName   string // as reported by the loader, e.g. "ESP32-S3"
	Candidates []string
}

// Resolve validates the target, orders the candidate ports and asks the chip
// protocol to detect a chip on them. The detection transport is closed
// before Resolve returns.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	log := r.logger()

	if err := ValidateTarget(r.Protocol, req.Target); err != nil {
		return nil, err
	}

	var candidates []string
	if req.Port != "" {
		candidates = []string{req.Port}
	} else {
		lister := r.Lister
		if lister == nil {
			lister = &HostPortLister{Source: r.Protocol.ListPorts}
		}
		ports, err := lister.List()
		if err != nil {
			return nil, err
		}
		candidates = OrderCandidates(ports, req.Target, r.Cache)
		if r.Cache != nil && req.Target != "" && req.Target != TargetAuto {
			log.Debug("affinity cache hits", "target", req.Target, "ports", r.Cache.PortsFor(req.Target))
		}
		log.Info("searching for chip", "target", targetOrAuto(req.Target), "ports", candidates)
	}

	attempts := r.Attempts
	if attempts <= 0 {
		attempts = defaultConnectAttempts
	}

	chip, err := r.Protocol.DetectChip(ctx, DetectRequest{
		Candidates:  candidates,
		Port:        req.Port,
		Attempts:    attempts,
		InitialBaud: req.InitialBaud,
		Target:      req.Target,
	})
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil, err
	}
	if chip == nil {
		return nil, &DeviceNotFoundError{Candidates: candidates, Target: req.Target, Err: err}
	}

	if cerr := chip.Close(); cerr != nil {
		log.Warn("failed to close detection connection", "port", chip.PortName(), "error", cerr)
	}

	res := &Resolution{
		Chip:       chip,
		Port:       chip.PortName(),
		Target:     NormalizeTarget(chip.ChipName()),
		ChipName:   chip.ChipName(),
		Candidates: candidates,
	}
	log.Info("chip detected", "port", res.Port, "target", res.Target, "chip", res.ChipName)
	return res, nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return discardLogger
	}
	return r.Logger
}

// OrderCandidates sorts ports ascending and, when target is concrete, moves
// the ports the cache last bound to target to the front, keeping the
// relative order within both groups.
func OrderCandidates(ports []string, target string, cache *AffinityCache) []string {
	out := append([]string(nil), ports...)
	sort.Strings(out)

	if cache == nil || target == "" || target == TargetAuto {
		return out
	}

	hits := make([]string, 0, len(out))
	rest := make([]string, 0, len(out))
	for _, p := range out {
		if t, ok := cache.Get(p); ok && t == target {
			hits = append(hits, p)
		} else {
			rest = append(rest, p)
		}
	}
	return append(hits, rest...)
}

func targetOrAuto(target string) string {
	if target == "" {
		return TargetAuto
	}
	return target
}

var discardLogger = slog.New(slog.DiscardHandler)
