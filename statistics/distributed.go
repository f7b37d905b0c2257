package statistics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"

	"github.com/SplitFi/go-salesindexer/service/cluster"
	"github.com/SplitFi/go-salesindexer/service/logger"
	"github.com/SplitFi/go-salesindexer/service/persist"
	"github.com/SplitFi/go-salesindexer/util"
)

// MethodAggregateCollection computes the unrecorded volume of one collection on a worker
const MethodAggregateCollection = "aggregateCollection"

const defaultFlushInterval = time.Minute

type aggregateRequest struct {
	Slug         string                `json:"slug"`
	Collections  []persist.Collection  `json:"collections"`
	Marketplaces []persist.Marketplace `json:"marketplaces"`
	Granularity  Granularity           `json:"granularity"`
}

// WorkerMethods are the methods a statistics worker serves
func WorkerMethods(sales persist.SaleRepository) cluster.Methods {
	return cluster.Methods{
		MethodAggregateCollection: func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			var req aggregateRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, fmt.Errorf("decode %s request: %w", MethodAggregateCollection, err)
			}
			result, err := aggregateCollection(ctx, sales, req)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		},
	}
}

// aggregateCollection reads the sales of every contract of a collection that have not been
// rolled into its statistics yet and buckets them
func aggregateCollection(ctx context.Context, sales persist.SaleRepository, req aggregateRequest) (*UnitResult, error) {
	type source struct {
		collection  persist.Collection
		marketplace persist.Marketplace
	}
	var sources []source
	for _, c := range req.Collections {
		for _, mp := range req.Marketplaces {
			sources = append(sources, source{c, mp})
		}
	}

	now := time.Now().UnixMilli()
	mapper := iter.Mapper[source, []persist.SaleData]{MaxGoroutines: 4}
	found, err := mapper.MapErr(sources, func(s *source) ([]persist.SaleData, error) {
		all, err := sales.GetSales(ctx, s.collection.ContractAddress, s.marketplace, 0, now)
		if err != nil {
			return nil, fmt.Errorf("read sales of %s on %s: %w", s.collection.ContractAddress, s.marketplace, err)
		}
		return util.Filter(all, func(sale persist.SaleData) bool {
			return sale.Chain == s.collection.Chain && sale.RecordState != persist.RecordStateVolumeRecorded
		}, true), nil
	})
	if err != nil {
		return nil, err
	}

	result := &UnitResult{}
	for _, batch := range found {
		result.Sales = append(result.Sales, batch...)
	}
	result.Volumes = VolumesBySource(result.Sales, req.Granularity)
	return result, nil
}

// PrimaryConfig wires a distributed statistics pass
type PrimaryConfig struct {
	Manager      *cluster.Manager
	Units        UnitStore
	Collections  persist.CollectionRepository
	Aggregator   *Aggregator
	Marketplaces []persist.Marketplace
	// Pass names the unit map; a primary restarted with the same name resumes it
	Pass          string
	FlushInterval time.Duration
}

// Primary partitions the collections into units, farms them out to the cluster and writes
// completed units on a timer, so slow writes never hold up dispatch
type Primary struct {
	cfg PrimaryConfig
}

func NewPrimary(cfg PrimaryConfig) *Primary {
	if cfg.Pass == "" {
		cfg.Pass = "statistics"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &Primary{cfg: cfg}
}

type unitOutcome struct {
	slug   string
	result *UnitResult
	err    error
}

// Run executes one pass. Units that fail are reported in the returned error; their sales stay
// unrecorded and are picked up by the next pass.
func (p *Primary) Run(ctx context.Context) error {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"statisticsPass": p.cfg.Pass})

	units, err := p.cfg.Units.Load(ctx, p.cfg.Pass)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		if units, err = p.plan(ctx); err != nil {
			return err
		}
	} else {
		logger.For(ctx).Infof("resuming pass with %d units", len(units))
		resume(ctx, units)
	}
	p.save(ctx, values(units)...)

	outcomes := make(chan unitOutcome)
	pending := 0
	for _, slug := range util.SortedKeys(units) {
		u := units[slug]
		if u.State != UnitUnprocessed {
			continue
		}
		future, err := p.cfg.Manager.Submit(MethodAggregateCollection, aggregateRequest{
			Slug:         u.Slug,
			Collections:  u.Collections,
			Marketplaces: p.cfg.Marketplaces,
			Granularity:  p.cfg.Aggregator.Granularity(),
		})
		if err != nil {
			u.State, u.Error = UnitError, err.Error()
			units[slug] = u
			continue
		}
		u.State = UnitInProgress
		units[slug] = u
		pending++
		go func(slug string) {
			raw, err := future.Wait(ctx)
			out := unitOutcome{slug: slug, err: err}
			if err == nil {
				out.result = &UnitResult{}
				out.err = json.Unmarshal(raw, out.result)
			}
			select {
			case outcomes <- out:
			case <-ctx.Done():
			}
		}(slug)
	}
	p.save(ctx, values(units)...)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for pending > 0 {
		select {
		case out := <-outcomes:
			pending--
			u := units[out.slug]
			if out.err != nil {
				logger.For(ctx).WithError(out.err).WithField("slug", out.slug).Error("failed to aggregate collection")
				u.State, u.Error = UnitError, out.err.Error()
			} else {
				u.State, u.Result = UnitCompleted, out.result
			}
			units[out.slug] = u
			p.save(ctx, u)
		case <-ticker.C:
			p.flush(ctx, units)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.flush(ctx, units)

	var errs *multierror.Error
	written := 0
	for _, slug := range util.SortedKeys(units) {
		switch u := units[slug]; u.State {
		case UnitWritten:
			written++
		case UnitError:
			errs = multierror.Append(errs, fmt.Errorf("collection %s: %s", slug, u.Error))
		}
	}
	if err := p.cfg.Units.Clear(ctx, p.cfg.Pass); err != nil {
		logger.For(ctx).WithError(err).Warn("failed to clear unit map")
	}
	logger.For(ctx).WithFields(logrus.Fields{"units": len(units), "written": written}).Info("statistics pass finished")
	return errs.ErrorOrNil()
}

// plan creates one unit per collection slug
func (p *Primary) plan(ctx context.Context) (map[string]Unit, error) {
	collections, err := p.cfg.Collections.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	units := make(map[string]Unit)
	for _, c := range collections {
		u, ok := units[c.Slug]
		if !ok {
			u = Unit{Slug: c.Slug, State: UnitUnprocessed}
		}
		u.Collections = append(u.Collections, c)
		units[c.Slug] = u
	}
	logger.For(ctx).Infof("planned %d units from %d collections", len(units), len(collections))
	return units, nil
}

// resume puts interrupted units back in the queue. Sales a unit already wrote are marked
// recorded, so a unit interrupted mid-write is simply written again.
func resume(ctx context.Context, units map[string]Unit) {
	for slug, u := range units {
		switch u.State {
		case UnitInProgress:
			u.State = UnitUnprocessed
		case UnitWriting:
			logger.For(ctx).WithField("slug", slug).Warn("unit was interrupted while writing, writing it again")
			u.State = UnitCompleted
			if u.Result == nil {
				u.State = UnitUnprocessed
			}
		}
		units[slug] = u
	}
}

// flush writes every completed unit
func (p *Primary) flush(ctx context.Context, units map[string]Unit) {
	for _, slug := range util.SortedKeys(units) {
		u := units[slug]
		if u.State != UnitCompleted {
			continue
		}
		u.State = UnitWriting
		p.save(ctx, u)

		added, err := p.cfg.Aggregator.recordSales(ctx, slug, u.Result.Sales)
		logger.For(ctx).WithFields(logrus.Fields{
			"slug":     slug,
			"computed": totalVolume(u.Result.Volumes),
			"added":    totalVolume(added),
		}).Debug("wrote unit")
		if err != nil {
			u.State, u.Error = UnitError, err.Error()
		} else {
			u.State, u.Result = UnitWritten, nil
		}
		units[slug] = u
		p.save(ctx, u)
	}
}

func (p *Primary) save(ctx context.Context, units ...Unit) {
	if len(units) == 0 {
		return
	}
	if err := p.cfg.Units.Save(ctx, p.cfg.Pass, units...); err != nil {
		logger.For(ctx).WithError(err).Warn("failed to persist unit map")
	}
}

func totalVolume(volumes []CollectionVolume) persist.VolumeRecord {
	var total persist.VolumeRecord
	for _, v := range volumes {
		for _, record := range v.Volumes {
			total = total.Add(record)
		}
	}
	return total
}

func values(units map[string]Unit) []Unit {
	out := make([]Unit, 0, len(units))
	for _, slug := range util.SortedKeys(units) {
		out = append(out, units[slug])
	}
	return out
}
