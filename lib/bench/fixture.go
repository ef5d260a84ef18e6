package bench

import (
	"fmt"

	"github.com/go-i2p/poolbench/lib/backend"
	"github.com/go-i2p/poolbench/lib/datasource"
)

// FactoryFunc opens the backend for a trial.
type FactoryFunc func(backend.Params) (backend.Factory, error)

// Fixture owns one contestant for the length of a trial.
type Fixture struct {
	Kind   string
	Params Params

	openFactory FactoryFunc
	factory     backend.Factory
	ds          datasource.DataSource
}

// NewFixture creates an unopened fixture. A nil open uses backend.Open.
func NewFixture(kind string, p Params, open FactoryFunc) *Fixture {
	if open == nil {
		open = backend.Open
	}
	return &Fixture{Kind: kind, Params: p, openFactory: open}
}

// Setup opens the backend and the data source.
func (f *Fixture) Setup() error {
	if f.ds != nil {
		return fmt.Errorf("fixture %s already set up", f.Kind)
	}

	settings := f.Params.Settings(f.Kind)
	if f.Params.Workload == WorkloadStatement && settings.MaxSize != f.Params.MaxPoolSize {
		log.WithField("pool", f.Kind).
			WithField("maxPoolSize", settings.MaxSize).
			Info("overriding max pool size with thread count for statement workload")
	}

	factory, err := f.openFactory(f.Params.Backend)
	if err != nil {
		return fmt.Errorf("opening backend: %w", err)
	}
	ds, err := datasource.Open(f.Kind, settings, factory)
	if err != nil {
		return fmt.Errorf("opening %s data source: %w", f.Kind, err)
	}

	f.factory = factory
	f.ds = ds
	log.WithField("pool", f.Kind).WithField("driver", factory.Name()).Debug("fixture set up")
	return nil
}

// DataSource returns the data source under test, nil before Setup.
func (f *Fixture) DataSource() datasource.DataSource {
	return f.ds
}

// Teardown closes the data source. It is safe to call more than once.
func (f *Fixture) Teardown() error {
	if f.ds == nil {
		return nil
	}
	err := f.ds.Close()
	f.ds = nil
	f.factory = nil
	if err != nil {
		return fmt.Errorf("closing %s data source: %w", f.Kind, err)
	}
	log.WithField("pool", f.Kind).Debug("fixture torn down")
	return nil
}
