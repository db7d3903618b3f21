package config

// ConfigDiff describes what changed between two configs.
// Only sections that can be safely hot-reloaded are tracked; anything else
// (listen address, store DSNs, provider wiring) needs a restart and is
// deliberately absent here.
type ConfigDiff struct {
	// LogLevelChanged reports a new verbosity; the server applies it live
	// through its level var.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ReconcileChanged reports new repair-loop intervals or age cutoffs;
	// the server restarts the reconcile runner with the new values.
	ReconcileChanged bool

	// DialerChanged reports new pacing knobs; they apply to limiters
	// created after the reload.
	DialerChanged bool

	// PoolChanged reports new recognizer-pool sizing. The pool holds live
	// streams and cannot resize in place; the server logs that a restart
	// is needed.
	PoolChanged bool
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ReconcileChanged && !d.DialerChanged && !d.PoolChanged
}

// Fields names the changed sections for logging.
func (d ConfigDiff) Fields() []string {
	var out []string
	if d.LogLevelChanged {
		out = append(out, "server.log_level")
	}
	if d.ReconcileChanged {
		out = append(out, "reconcile")
	}
	if d.DialerChanged {
		out = append(out, "dialer")
	}
	if d.PoolChanged {
		out = append(out, "stt_pool")
	}
	return out
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to react to without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Reconcile != new.Reconcile {
		d.ReconcileChanged = true
	}
	if old.Dialer != new.Dialer {
		d.DialerChanged = true
	}
	if old.STTPool != new.STTPool {
		d.PoolChanged = true
	}

	return d
}
