package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/montanaflynn/stats"
	"github.com/ngaut/log"

	"github.com/pingcap-incubator/tinyocc/occ/access"
	"github.com/pingcap-incubator/tinyocc/occ/bank"
	"github.com/pingcap-incubator/tinyocc/occ/config"
	"github.com/pingcap-incubator/tinyocc/occ/engine"
	"github.com/pingcap-incubator/tinyocc/occ/storage"
)

var (
	configPath = flag.String("config", "", "config file path")
	dbType     = flag.String("db", "mem", "base store type, mem or badger")
	workers    = flag.Int("workers", 0, "override the configured worker count")
	accounts   = flag.Int("accounts", 1000, "number of bank accounts")
	batchSize  = flag.Int("batch-size", 2000, "transactions per batch")
	rounds     = flag.Int("rounds", 20, "number of measured batches")
	seed       = flag.Int64("seed", 1, "workload seed")
	sequential = flag.Bool("sequential", false, "run the single-threaded reference executor instead")
	statusAddr = flag.String("status", "", "status address for pprof, empty to disable")
)

var (
	gitHash = "None"
)

const initialBalance = 1000000

func main() {
	flag.Parse()
	conf := loadConfig()
	if *workers > 0 {
		conf.Workers = *workers
	}
	if err := conf.Validate(); err != nil {
		log.Fatal(err)
	}
	runtime.GOMAXPROCS(conf.MaxProcs)
	log.Info("gitHash:", gitHash)
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)

	stopCh := make(chan struct{})
	handleSignal(stopCh)
	if *statusAddr != "" {
		go serveStatus(*statusAddr)
	}

	verify(conf)

	store := newStore(conf)
	if err := store.Start(); err != nil {
		log.Fatal(err)
	}
	seedAccounts(store, *accounts)
	reg := access.NewRegistry()
	e := engine.New(conf, store, reg)
	bank.Register(e, reg)

	rnd := rand.New(rand.NewSource(*seed))
	durs := make([]float64, 0, *rounds)
	var committed, failed int
loop:
	for r := 0; r < *rounds; r++ {
		select {
		case <-stopCh:
			log.Info("stopping on signal")
			break loop
		default:
		}
		batch := makeBatch(rnd, *accounts, *batchSize)
		start := time.Now()
		var res *engine.BatchResult
		var err error
		if *sequential {
			res, err = e.ExecuteSequential(batch)
		} else {
			res, err = e.ExecuteBatch(batch)
		}
		if err != nil {
			log.Fatal(err)
		}
		d := time.Since(start)
		durs = append(durs, d.Seconds())
		committed += res.CommittedCount()
		failed += len(res.Txns) - res.CommittedCount()
		log.Infof("round %d: %d txns in %v, %.0f txns/s", r, len(batch), d, float64(len(batch))/d.Seconds())
	}

	report(durs, committed, failed)
	if err := store.Stop(); err != nil {
		log.Fatal(err)
	}
}

func loadConfig() *config.Config {
	conf := config.DefaultConf
	if *configPath != "" {
		_, err := toml.DecodeFile(*configPath, &conf)
		if err != nil {
			panic(err)
		}
	}
	return &conf
}

func newStore(conf *config.Config) storage.Store {
	switch *dbType {
	case "mem":
		return storage.NewMemStorage()
	case "badger":
		return storage.NewBadgerStorage(conf)
	default:
		log.Fatalf("unknown db type %s", *dbType)
		return nil
	}
}

func accountName(i int) string {
	return fmt.Sprintf("acct-%06d", i)
}

func seedAccounts(store storage.Store, n int) {
	batch := make([]storage.Modify, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, storage.Modify{Data: storage.Put{
			Key:   access.Key(access.ResourceBankBalance, accountName(i)),
			Value: bank.EncodeBalance(initialBalance),
		}})
	}
	if err := store.Commit(batch); err != nil {
		log.Fatal(err)
	}
}

func makeBatch(rnd *rand.Rand, accounts, size int) []engine.Transaction {
	batch := make([]engine.Transaction, 0, size)
	for i := 0; i < size; i++ {
		from := accountName(rnd.Intn(accounts))
		to := accountName(rnd.Intn(accounts))
		batch = append(batch, engine.Transaction{
			Signer: from,
			Msgs: []access.Message{bank.TransferMsg{
				From:   from,
				To:     to,
				Amount: uint64(1 + rnd.Intn(100)),
			}},
		})
	}
	return batch
}

// verify runs one batch through both executors on separate in-memory stores
// and compares every balance. A mismatch means the engine is broken and the
// numbers are meaningless, so bail out before measuring anything.
func verify(conf *config.Config) {
	batch := makeBatch(rand.New(rand.NewSource(*seed)), *accounts, *batchSize)

	parBase := storage.NewMemStorage()
	seqBase := storage.NewMemStorage()
	seedAccounts(parBase, *accounts)
	seedAccounts(seqBase, *accounts)

	parReg := access.NewRegistry()
	par := engine.New(conf, parBase, parReg)
	bank.Register(par, parReg)
	seqReg := access.NewRegistry()
	seq := engine.New(conf, seqBase, seqReg)
	bank.Register(seq, seqReg)

	parRes, err := par.ExecuteBatch(batch)
	if err != nil {
		log.Fatal(err)
	}
	seqRes, err := seq.ExecuteSequential(batch)
	if err != nil {
		log.Fatal(err)
	}
	if parRes.CommittedCount() != seqRes.CommittedCount() {
		log.Fatalf("cross-check failed: committed %d parallel, %d sequential",
			parRes.CommittedCount(), seqRes.CommittedCount())
	}
	for i := 0; i < *accounts; i++ {
		name := accountName(i)
		pb, err := bank.Balance(parBase, name)
		if err != nil {
			log.Fatal(err)
		}
		sb, err := bank.Balance(seqBase, name)
		if err != nil {
			log.Fatal(err)
		}
		if pb != sb {
			log.Fatalf("cross-check failed: account %s has %d parallel, %d sequential", name, pb, sb)
		}
	}
	log.Infof("cross-check ok, %d transactions, %d committed", len(batch), parRes.CommittedCount())
}

func report(durs []float64, committed, failed int) {
	if len(durs) == 0 {
		return
	}
	mean, err := stats.Mean(durs)
	if err != nil {
		log.Fatal(err)
	}
	median, err := stats.Median(durs)
	if err != nil {
		log.Fatal(err)
	}
	// Percentile needs at least two samples.
	p99 := durs[0]
	if len(durs) > 1 {
		if p99, err = stats.Percentile(durs, 99); err != nil {
			log.Fatal(err)
		}
	}
	log.Infof("rounds %d, committed %d, failed %d", len(durs), committed, failed)
	log.Infof("batch seconds: mean %.4f, median %.4f, p99 %.4f", mean, median, p99)
	log.Infof("throughput: %.0f txns/s", float64(*batchSize)/mean)
}

func serveStatus(addr string) {
	log.Infof("listening on %v", addr)
	http.HandleFunc("/status", func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
	})
	err := http.ListenAndServe(addr, nil)
	if err != nil {
		log.Fatal(err)
	}
}

func handleSignal(stopCh chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.Infof("Got signal [%s] to exit.", sig)
		close(stopCh)
	}()
}
