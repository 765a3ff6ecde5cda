package configwatcher

import (
	"context"
	"error_book_backend/pkg/logger"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reloader 文件变化后被调用，返回错误时保留旧配置
type Reloader func(path string) error

// WatchFile 监听单个文件，防抖 1 秒后调用 reloader，ctx 取消时退出。
// 监听所在目录以兼容编辑器的 rename 写入方式。
func WatchFile(ctx context.Context, path string, reloader Reloader) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(time.Hour)
		timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					// 防抖处理
					timer.Reset(time.Second)
				}
			case <-timer.C:
				if err := reloader(absPath); err != nil {
					logger.Log.Error("Failed to reload config file", zap.String("path", absPath), zap.Error(err))
					continue
				}
				logger.Log.Info("Config file reloaded", zap.String("path", absPath))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Log.Error("Config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
