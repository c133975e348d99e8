package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/mpapenbr/racetimer-go/log"
)

// ApplyFile overlays the settings that may change while running with the values
// found in v. Only keys present in v are applied.
func (c Config) ApplyFile(v *viper.Viper) (Config, error) {
	ret := c
	dur := func(key string, dst *Duration) {
		if v.IsSet(key) {
			*dst = Duration(v.GetDuration(key))
		}
	}
	dur(Key("go-to-start"), &ret.Sequence.GoToStart)
	dur(Key("in-position-min"), &ret.Sequence.InPositionMin)
	dur(Key("in-position-max"), &ret.Sequence.InPositionMax)
	dur(Key("set-min"), &ret.Sequence.SetMin)
	dur(Key("set-max"), &ret.Sequence.SetMax)
	if v.IsSet(Key("audio")) {
		ret.Audio.Enabled = v.GetBool(Key("audio"))
	}
	if err := ret.Validate(); err != nil {
		return c, err
	}
	return ret, nil
}

// Watch calls onChange with the updated config whenever the file at path is written.
// Invalid files are logged and ignored. Watch blocks until ctx is done.
//
//nolint:funlen,cyclop // event loop
func Watch(ctx context.Context, path string, base Config, onChange func(Config)) (err error) {
	l := log.Default().Named("config")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := watcher.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	// editors often replace the file, so the directory is watched
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	current := base
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				debounce = time.After(100 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			v := viper.New()
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				l.Warn("could not read config file", log.ErrorField(err))
				continue
			}
			next, err := current.ApplyFile(v)
			if err != nil {
				l.Warn("ignoring invalid config change", log.ErrorField(err))
				continue
			}
			current = next
			l.Info("config reloaded", log.String("file", path))
			onChange(next)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.Error("watcher error", log.ErrorField(err))
		}
	}
}
