package firewall

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"netauth/pkg/metrics"
)

// SaveAndHarden removes tunnel catch-all ACCEPT entries from FORWARD, then
// writes the live ruleset to RulesPath and asks the persistence helper to
// save when it is installed. It reports whether the ruleset was written.
// Hygiene failures are logged and do not block the save.
func (e *Engine) SaveAndHarden(ctx context.Context) (bool, error) {
	removed := e.harden(ctx)
	if removed > 0 {
		e.log.Info().Int("removed", removed).Msg("tunnel catch-all rules removed")
	}

	out, err := e.runner.Output(ctx, e.opts.IptablesSaveBin)
	if err != nil {
		return false, fmt.Errorf("dump ruleset: %w", err)
	}
	if err := writeFileAtomic(e.fs, e.opts.RulesPath, out); err != nil {
		return false, fmt.Errorf("write %s: %w", e.opts.RulesPath, err)
	}

	if helper, err := e.lookPath(e.opts.PersistHelper); err == nil {
		if err := e.runner.Run(ctx, helper, "save"); err != nil {
			e.log.Warn().Err(err).Str("helper", helper).Msg("persistence helper failed")
		}
	}
	return true, nil
}

func (e *Engine) harden(ctx context.Context) int {
	tun := e.opts.TunInterface
	specs := [][]string{{"FORWARD", "-i", tun, "-j", "ACCEPT"}}
	if egress := e.egressInterface(); egress != "" {
		specs = append(specs, []string{"FORWARD", "-i", tun, "-o", egress, "-j", "ACCEPT"})
	}

	e.fwdMu.Lock()
	defer e.fwdMu.Unlock()

	removed := 0
	for _, spec := range specs {
		n, err := e.removeAll(ctx, spec)
		removed += n
		if err != nil {
			e.log.Warn().Err(err).Strs("spec", spec).Msg("catch-all removal failed")
		}
	}
	return removed
}

// removeAll deletes every copy of spec, bounded by MaxHygieneAttempts.
func (e *Engine) removeAll(ctx context.Context, spec []string) (int, error) {
	n := 0
	for attempt := 0; attempt < e.opts.MaxHygieneAttempts; attempt++ {
		if err := e.ipt(ctx, append([]string{"-C"}, spec...)...); err != nil {
			if isInterrupted(ctx, err) {
				return n, err
			}
			return n, nil
		}
		if err := e.ipt(ctx, append([]string{"-D"}, spec...)...); err != nil {
			return n, err
		}
		n++
		metrics.CatchAllRemoved.Inc()
	}
	return n, nil
}

func (e *Engine) egressInterface() string {
	if e.opts.EgressInterface != "" {
		return e.opts.EgressInterface
	}
	iface, err := e.discoverEgress()
	if err != nil {
		e.log.Debug().Err(err).Msg("egress interface discovery")
		return ""
	}
	return iface
}

func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		fs.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(name)
		return err
	}
	if err := fs.Chmod(name, 0o644); err != nil {
		fs.Remove(name)
		return err
	}
	return fs.Rename(name, path)
}
