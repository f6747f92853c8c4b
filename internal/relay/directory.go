package relay

import (
	"errors"
	"math/rand/v2"
	"sort"

	"courier/internal/metrics"
	"courier/internal/models"

	"github.com/c-pro/geche"
	"github.com/rs/zerolog"
)

// ErrAsleep is returned by Register when the name belongs to a sleeping
// connection; the caller should Reconnect instead.
var ErrAsleep = errors.New("username belongs to a sleeping connection")

// DelayRecorder stores delay samples clients report when they close.
type DelayRecorder interface {
	AppendDelays(username string, samples []int64) error
}

type DirectoryConfig struct {
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
	Delays  DelayRecorder
}

// Directory maps usernames to connections. Every operation runs under one
// map-wide lock, so racing logins and renames on a name have one winner.
// Lock order is always directory, then connection.
type Directory struct {
	entries *geche.Locker[string, *Connection]

	base    zerolog.Logger
	logger  zerolog.Logger
	metrics *metrics.Metrics
	delays  DelayRecorder
}

func NewDirectory(cfg DirectoryConfig) *Directory {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Directory{
		entries: geche.NewLocker[string, *Connection](geche.NewMapCache[string, *Connection]()),
		base:    logger,
		logger:  logger.With().Str("component", "directory").Logger(),
		metrics: cfg.Metrics,
		delays:  cfg.Delays,
	}
}

// Register creates an awake connection for a new username. The caller owns
// starting the returned connection's worker.
func (d *Directory) Register(username string, tr Transport) (*Connection, error) {
	if err := models.ValidateUsername(username); err != nil {
		return nil, err
	}

	tx := d.entries.Lock()
	defer tx.Unlock()

	if existing, err := tx.Get(username); err == nil {
		if existing.State() == models.StateAwake {
			return nil, models.ErrNameInUse
		}
		return nil, ErrAsleep
	}

	conn := d.newEntry(username, tr)
	tx.Set(username, conn)
	return conn, nil
}

// Reconnect wakes the sleeping connection registered under username with a
// new transport. An unknown username is registered from scratch, in which
// case woken is false and the caller must start the worker.
func (d *Directory) Reconnect(username string, tr Transport) (conn *Connection, woken bool, err error) {
	if err := models.ValidateUsername(username); err != nil {
		return nil, false, err
	}

	tx := d.entries.Lock()
	defer tx.Unlock()

	existing, err := tx.Get(username)
	if err != nil {
		conn = d.newEntry(username, tr)
		tx.Set(username, conn)
		return conn, false, nil
	}

	if err := existing.wake(tr); err != nil {
		return nil, false, err
	}
	d.metrics.Woke()
	return existing, true, nil
}

func (d *Directory) newEntry(username string, tr Transport) *Connection {
	conn := newConnection(username, tr, d)
	d.metrics.Registered()
	d.logger.Debug().Str("username", username).Str("connection", conn.ID()).Msg("registered")
	return conn
}

func (d *Directory) Lookup(username string) (*Connection, bool) {
	tx := d.entries.Lock()
	defer tx.Unlock()

	conn, err := tx.Get(username)
	if err != nil {
		return nil, false
	}
	return conn, true
}

// Rename moves the connection registered as oldName to newName, keeping the
// same instance, queue and state.
func (d *Directory) Rename(oldName, newName string) error {
	if err := models.ValidateUsername(newName); err != nil {
		return err
	}

	tx := d.entries.Lock()
	defer tx.Unlock()

	conn, err := tx.Get(oldName)
	if err != nil {
		return models.ErrUnknownUser
	}
	if _, err := tx.Get(newName); err == nil {
		return models.ErrNameInUse
	}

	if err := tx.Del(oldName); err != nil {
		return err
	}
	tx.Set(newName, conn)
	conn.setUsername(newName)

	d.logger.Info().Str("from", oldName).Str("to", newName).Msg("renamed")
	return nil
}

// RandomUsername picks a registered username other than exclude uniformly
// at random.
func (d *Directory) RandomUsername(exclude string) (string, bool) {
	tx := d.entries.Lock()
	defer tx.Unlock()

	snapshot := tx.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		if name != exclude {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	return names[rand.IntN(len(names))], true
}

// Entries returns every registered username with its state and queue size,
// sorted by username.
func (d *Directory) Entries() []models.DirectoryEntry {
	tx := d.entries.Lock()
	defer tx.Unlock()

	snapshot := tx.Snapshot()
	entries := make([]models.DirectoryEntry, 0, len(snapshot))
	for name, conn := range snapshot {
		entries = append(entries, models.DirectoryEntry{
			Username: name,
			State:    conn.State(),
			Queued:   conn.Queued(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Username < entries[j].Username
	})
	return entries
}

// Entry describes one registered username.
func (d *Directory) Entry(username string) (models.DirectoryEntry, error) {
	conn, ok := d.Lookup(username)
	if !ok {
		return models.DirectoryEntry{}, models.ErrNotFound
	}
	return models.DirectoryEntry{
		Username: username,
		State:    conn.State(),
		Queued:   conn.Queued(),
	}, nil
}
