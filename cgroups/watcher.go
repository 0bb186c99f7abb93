package cgroups

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Poster 把回调投递到事件循环
type Poster interface {
	Post(fn func())
}

// Watcher 通过 inotify 监视多个 cgroup.events 文件，
// populated 状态变化时在事件循环中调用对应的回调
type Watcher struct {
	fs   *fsnotify.Watcher
	post Poster

	mu      sync.Mutex
	watches map[string]*watch
	done    chan struct{}
}

type watch struct {
	ev *Events
	cb func(populated bool)
	// 以下字段只在事件循环中访问
	known bool
	last  bool
}

// NewWatcher 创建监视器并启动后台 goroutine
func NewWatcher(post Poster) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:      fs,
		post:    post,
		watches: make(map[string]*watch),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch 开始监视 ev 的 populated 状态，并立即投递一次检查
func (w *Watcher) Watch(ev *Events, cb func(populated bool)) error {
	file := ev.EventsFile()
	wt := &watch{ev: ev, cb: cb}
	w.mu.Lock()
	w.watches[file] = wt
	w.mu.Unlock()
	if err := w.fs.Add(file); err != nil {
		w.mu.Lock()
		delete(w.watches, file)
		w.mu.Unlock()
		return err
	}
	w.post.Post(func() { w.check(file, wt) })
	return nil
}

// Unwatch 停止监视 ev
func (w *Watcher) Unwatch(ev *Events) {
	file := ev.EventsFile()
	w.mu.Lock()
	_, ok := w.watches[file]
	delete(w.watches, file)
	w.mu.Unlock()
	if ok {
		// cgroup 目录被删除时内核会自动移除监视，这里的错误可以忽略
		w.fs.Remove(file)
	}
}

// Close 停止后台 goroutine
func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			w.mu.Lock()
			wt := w.watches[event.Name]
			w.mu.Unlock()
			if wt == nil {
				continue
			}
			file := event.Name
			w.post.Post(func() { w.check(file, wt) })
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warnf("cgroup events watcher error %v", err)
		}
	}
}

// check 在事件循环中重新读取 populated，只在状态变化时调用回调
func (w *Watcher) check(file string, wt *watch) {
	w.mu.Lock()
	current := w.watches[file]
	w.mu.Unlock()
	if current != wt {
		return
	}
	populated, err := wt.ev.Populated()
	if err != nil {
		log.Debugf("read %s error %v", file, err)
		return
	}
	if wt.known && populated == wt.last {
		return
	}
	wt.known = true
	wt.last = populated
	wt.cb(populated)
}
