// Package trace 把调度事件异步写入 SQLite，用于事后分析调度时序。
package trace

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"go-demos/scheduler"
)

// DefaultBuffer 是等待写入的事件数量上限，超过时新事件被丢弃
const DefaultBuffer = 4096

const schema = `
CREATE TABLE IF NOT EXISTS events (
	run_id    TEXT NOT NULL,
	ts_ns     INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	"window"  INTEGER,
	"slice"   INTEGER,
	"partition" TEXT,
	process   TEXT,
	reason    TEXT
);
CREATE INDEX IF NOT EXISTS events_run ON events(run_id, ts_ns);
`

// Record 是表中的一行
type Record struct {
	RunID     string
	TimeNs    int64
	Kind      string
	Window    sql.NullInt64
	Slice     sql.NullInt64
	Partition sql.NullString
	Process   sql.NullString
	Reason    sql.NullString
}

// Recorder 是一个调度事件监听者。Handle 在事件循环中调用，从不阻塞；
// 写数据库在单独的 goroutine 中进行。
type Recorder struct {
	db    *sql.DB
	runID string
	queue chan Record
	wg    sync.WaitGroup
	once  sync.Once

	dropped atomic.Uint64
	warn    *rate.Limiter
}

// Open 打开（必要时创建）数据库，每次调用生成一个新的运行 ID
func Open(path string, buffer int) (*Recorder, error) {
	if path == "" {
		return nil, errors.New("trace database path is required")
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create trace directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open trace database %s", path)
	}
	db.SetMaxOpenConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create trace schema")
	}

	r := &Recorder{
		db:    db,
		runID: uuid.NewString(),
		queue: make(chan Record, buffer),
		warn:  rate.NewLimiter(rate.Limit(1), 1),
	}
	r.wg.Add(1)
	go r.writer()
	log.Infof("recording scheduler trace to %s (run %s)", path, r.runID)
	return r, nil
}

// RunID 返回本次运行的 ID
func (r *Recorder) RunID() string {
	return r.runID
}

// Dropped 返回因为队列已满而丢弃的事件数
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Handle 实现 scheduler.Listener，只记录功耗策略也能看到的事件
func (r *Recorder) Handle(ev scheduler.Event) error {
	switch ev.Kind {
	case scheduler.WindowStart, scheduler.WindowEnd, scheduler.SCStart, scheduler.BEStart,
		scheduler.ProcessStart, scheduler.ProcessEnd:
	default:
		return nil
	}
	rec := Record{RunID: r.runID, TimeNs: ev.Time.UnixNano(), Kind: ev.Kind.String()}
	if ev.Window != nil {
		rec.Window = sql.NullInt64{Int64: int64(ev.Window.Index()), Valid: true}
	}
	if ev.Slice != nil {
		rec.Slice = sql.NullInt64{Int64: int64(ev.Slice.Index()), Valid: true}
	}
	if ev.Partition != nil {
		rec.Partition = sql.NullString{String: ev.Partition.Name(), Valid: true}
	}
	if ev.Process != nil {
		rec.Process = sql.NullString{String: ev.Process.Name(), Valid: true}
	}
	if ev.Kind == scheduler.ProcessEnd {
		rec.Reason = sql.NullString{String: ev.Reason.String(), Valid: true}
	}

	select {
	case r.queue <- rec:
	default:
		n := r.dropped.Add(1)
		if r.warn.Allow() {
			log.Warnf("trace queue full, %d events dropped so far", n)
		}
	}
	return nil
}

func (r *Recorder) writer() {
	defer r.wg.Done()
	for rec := range r.queue {
		_, err := r.db.Exec(
			`INSERT INTO events(run_id, ts_ns, kind, "window", "slice", "partition", process, reason) VALUES(?,?,?,?,?,?,?,?)`,
			rec.RunID, rec.TimeNs, rec.Kind, rec.Window, rec.Slice, rec.Partition, rec.Process, rec.Reason)
		if err != nil && r.warn.Allow() {
			log.Warnf("trace write failed: %v", err)
		}
	}
}

// Close 写完队列中剩余的事件并关闭数据库
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.queue)
		r.wg.Wait()
		if n := r.dropped.Load(); n > 0 {
			log.Warnf("trace: %d events were dropped", n)
		}
		err = r.db.Close()
	})
	return err
}

// Query 按时间顺序返回一次运行的所有事件
func Query(ctx context.Context, path, runID string) ([]Record, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open trace database %s", path)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT run_id, ts_ns, kind, "window", "slice", "partition", process, reason FROM events WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query trace")
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.RunID, &rec.TimeNs, &rec.Kind, &rec.Window, &rec.Slice, &rec.Partition, &rec.Process, &rec.Reason); err != nil {
			return nil, errors.Wrap(err, "scan trace")
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}
