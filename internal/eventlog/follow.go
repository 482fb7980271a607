package eventlog

import (
	"context"
	"encoding/json"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/conclave-run/conclave/internal/log"
)

// Follow streams newly-appended, successfully-parsed objects from path as
// they're written, waking on filesystem write events instead of polling.
// Grounded on jordigilh-kubernaut's go.mod dependency on fsnotify, used the
// way that pack watches config/log files for changes. Used only by
// `conclavectl tail --follow`; the core read-bounded path stays
// polling-free and synchronous per spec.
func Follow(ctx context.Context, path string) (<-chan json.RawMessage, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan json.RawMessage, 64)

	go func() {
		defer watcher.Close()
		defer close(out)

		var offset int64
		if info, err := os.Stat(path); err == nil {
			offset = info.Size()
		}

		emitNew := func() {
			f, err := os.Open(path)
			if err != nil {
				return
			}
			defer f.Close()
			if _, err := f.Seek(offset, 0); err != nil {
				return
			}
			buf := make([]byte, 0)
			tmp := make([]byte, 32*1024)
			for {
				n, err := f.Read(tmp)
				if n > 0 {
					buf = append(buf, tmp[:n]...)
				}
				if err != nil {
					break
				}
			}
			offset += int64(len(buf))

			start := 0
			for i, b := range buf {
				if b == '\n' {
					line := buf[start:i]
					start = i + 1
					if len(line) == 0 || !json.Valid(line) {
						continue
					}
					cp := make(json.RawMessage, len(line))
					copy(cp, line)
					select {
					case out <- cp:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					emitNew()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithComponent("eventlog").Warn().Err(err).Msg("follow watcher error")
			}
		}
	}()

	return out, nil
}
