package config

import (
	"io"
	"log"
	"strings"

	"github.com/pkg/errors"

	"github.com/ndlib/archivegate/async"
	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/eviction"
	"github.com/ndlib/archivegate/filter"
	"github.com/ndlib/archivegate/keystore"
	"github.com/ndlib/archivegate/quota"
	"github.com/ndlib/archivegate/store"
	"github.com/ndlib/archivegate/util"
)

// Gateway is everything Build assembles.
type Gateway struct {
	Manager *datastore.Manager
	Index   keystore.Index
	Evictor *eviction.Service
	Counter quota.Counter
	// Memory is the counter when it is kept in process, and nil otherwise.
	Memory *quota.Memory
	Setter *datastore.ParallelSetter

	asyncs []*async.Store
}

// Start begins the background work of the async stores.
func (g *Gateway) Start() {
	for _, as := range g.asyncs {
		as.Start()
	}
}

// Close stops the ingest workers and the evictor, and then closes every
// store and the index.
func (g *Gateway) Close() error {
	if g.Setter != nil {
		g.Setter.Shutdown()
	}
	if g.Evictor != nil {
		g.Evictor.Close()
	}
	err := g.Manager.Close()
	if c, ok := g.Counter.(io.Closer); ok {
		if err2 := c.Close(); err == nil {
			err = err2
		}
	}
	return err
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(datastore.ErrInvalidConfiguration, format, args...)
}

// Build makes the gateway described by cfg. Nothing is started; call Start
// on the result.
func Build(cfg *Config) (*Gateway, error) {
	if !eviction.ValidPolicy(cfg.Eviction.Policy) {
		return nil, invalid("eviction policy %q", cfg.Eviction.Policy)
	}
	idx, err := openIndex(cfg.Keystore)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		Manager: datastore.NewManager(idx),
		Index:   idx,
	}
	g.Evictor = eviction.New(idx, g.Manager)
	if cfg.Eviction.Policy != "" {
		g.Evictor.Default = cfg.Eviction.Policy
	}
	g.Manager.TrashPath = cfg.Backup.Trash
	g.Manager.ErrorPath = cfg.Backup.Error
	g.Manager.BackupRate = util.NewRateCounter(cfg.Backup.Rate)

	g.Counter, err = openCounter(cfg.Quota)
	if err != nil {
		g.Close()
		return nil, err
	}
	g.Memory, _ = g.Counter.(*quota.Memory)

	for _, sc := range cfg.Store {
		s, err := g.buildStore(sc, cfg.Quota.MaxFetches)
		if err == nil {
			err = g.Manager.Add(s)
		}
		if err != nil {
			g.Close()
			return nil, errors.Wrapf(err, "store %q", sc.Name)
		}
		log.Println("Config store", sc.Name, sc.Type, sc.Location)
	}

	workers := cfg.Server.Workers
	if workers < 1 {
		workers = 4
	}
	g.Setter = datastore.NewParallelSetter(workers)
	return g, nil
}

func openIndex(kc KeystoreConfig) (keystore.Index, error) {
	switch strings.ToLower(kc.Type) {
	case "", "memory":
		return keystore.NewMemory(), nil
	case "ql":
		if kc.Path == "" {
			return keystore.NewQL("memory")
		}
		return keystore.NewQL(kc.Path)
	case "mysql":
		return keystore.NewMySQL(kc.DSN)
	case "badger":
		return keystore.NewBadger(kc.Path)
	}
	return nil, invalid("keystore type %q", kc.Type)
}

func openCounter(qc QuotaConfig) (quota.Counter, error) {
	switch strings.ToLower(qc.Type) {
	case "", "memory":
		return quota.NewMemory(), nil
	case "redis":
		prefix := qc.Prefix
		if prefix == "" {
			prefix = "archivegate:"
		}
		return quota.NewRedis(qc.Address, qc.Password, qc.DB, prefix)
	}
	return nil, invalid("quota type %q", qc.Type)
}

func (g *Gateway) buildStore(sc StoreConfig, maxFetches int64) (datastore.Store, error) {
	if sc.Name == "" {
		return nil, invalid("store without a name")
	}
	restriction, err := datastore.ParseRestriction(sc.Restriction)
	if err != nil {
		return nil, err
	}
	if !eviction.ValidPolicy(sc.Policy) {
		return nil, invalid("eviction policy %q", sc.Policy)
	}
	typ := strings.ToLower(sc.Type)
	if sc.Filter != "" && typ != "glacier" {
		return nil, invalid("filter is only supported by glacier stores")
	}
	dcfg := datastore.Config{
		Name:           sc.Name,
		Restriction:    restriction,
		Priority:       sc.Priority,
		MaximumSize:    sc.MaxSize,
		AutoEviction:   sc.AutoEviction,
		EvictionPolicy: sc.Policy,
		Derived:        sc.Derived,
		Filter:         sc.Filter,
	}

	var backend store.Store
	indexed := !sc.Unindexed
	switch typ {
	case "file":
		if sc.Location == "" {
			return nil, invalid("file store needs a location")
		}
		backend, err = parseLocation(sc.Location, "")
	case "memory":
		backend = store.NewMemory()
	case "s3", "glacier":
		var s3 *store.S3
		s3, err = newS3(sc.Location, "")
		if err == nil {
			if sc.RestoreDays > 0 {
				s3.RestoreDays = sc.RestoreDays
			}
			if sc.RestoreTier != "" {
				s3.RestoreTier = sc.RestoreTier
			}
			backend = s3
		}
	case "remote":
		if sc.Location == "" {
			return nil, invalid("remote store needs a location")
		}
		if sc.Restriction == "" {
			dcfg.Restriction = datastore.ReadOnly
		} else if restriction != datastore.ReadOnly {
			return nil, invalid("remote stores are read only")
		}
		backend = store.ReadOnly(store.NewRemote(sc.Location, sc.Token))
		indexed = false
	default:
		return nil, invalid("store type %q", sc.Type)
	}
	if err != nil {
		return nil, err
	}
	if sc.Prefix != "" && typ != "s3" && typ != "glacier" {
		backend = store.NewWithPrefix(backend, sc.Prefix)
	}

	var keys *keystore.KeyStore
	if indexed && g.Index != nil {
		keys = keystore.New(g.Index, sc.Name)
	}
	if dcfg.MaximumSize > 0 {
		dcfg.CurrentSize = measure(keys, backend)
	}
	bs := datastore.NewBackendStore(dcfg, backend, keys, g.Evictor)
	if typ != "glacier" {
		return bs, nil
	}

	as, err := async.New(bs, g.Counter, sc.MaxRestores)
	if err != nil {
		return nil, err
	}
	if sc.PollInterval.Duration > 0 {
		as.PollInterval = sc.PollInterval.Duration
	}
	g.asyncs = append(g.asyncs, as)
	var result datastore.AsyncStore = as
	if sc.MaxFetches > 0 {
		maxFetches = sc.MaxFetches
	}
	if maxFetches > 0 {
		result = async.NewFetchLimiter(result, g.Counter, maxFetches)
	}
	if sc.Filter != "" {
		expr, err := filter.Parse(sc.Filter)
		if err != nil {
			return nil, invalid("filter: %v", err)
		}
		var source async.MetadataSource
		if sc.Metadata != "" {
			meta, err := parseLocation(sc.Metadata, "")
			if err != nil {
				return nil, err
			}
			suffix := sc.MetadataSuffix
			if suffix == "" {
				suffix = ".json"
			}
			source = async.JSONMetadata{Store: meta, Suffix: suffix}
		}
		result = async.NewVisibilityFilter(result, expr, source)
	}
	return result, nil
}

// measure totals the bytes a store already holds, so capacity accounting
// survives a restart.
func measure(keys *keystore.KeyStore, backend store.Store) int64 {
	var total int64
	if keys == nil {
		for key := range backend.List() {
			if size, err := backend.Stat(key); err == nil {
				total += size
			}
		}
		return total
	}
	entries, err := keys.OldestEntries(0)
	if err != nil {
		log.Println("Config measure", keys.Name(), err)
		return 0
	}
	for _, e := range entries {
		if size, err := backend.Stat(e.Location); err == nil {
			total += size
		}
	}
	return total
}
