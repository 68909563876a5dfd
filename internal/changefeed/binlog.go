// Package changefeed follows the MySQL binlog of the entity database and keeps the
// tombstone table in step with row deletions made outside the sync engine.
package changefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/entity"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
)

// TombstoneSink receives tombstone changes derived from row events.
type TombstoneSink interface {
	PutTombstone(ctx context.Context, t *store.Tombstone) error
	DeleteTombstone(ctx context.Context, entityType, recordID string) error
}

type BinlogListener struct {
	cfg     config.ChangeFeedConfig
	canal   *canal.Canal
	sink    TombstoneSink
	tables  map[string]entity.Kind
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewBinlogListener(cfg config.ChangeFeedConfig, sink TombstoneSink) (*BinlogListener, error) {
	tables := EntityTables()
	var tableRegex []string
	for table := range tables {
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", cfg.Database, table))
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:     cfg.User,
		Password: cfg.Password,
		Flavor:   "mysql",
		ServerID: cfg.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // follow the binlog only, no initial dump
		},
		IncludeTableRegex: tableRegex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &BinlogListener{
		cfg:    cfg,
		canal:  c,
		sink:   sink,
		tables: tables,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.SetEventHandler(&eventHandler{listener: l})

	return l, nil
}

// EntityTables maps each entity table name to its kind.
func EntityTables() map[string]entity.Kind {
	out := make(map[string]entity.Kind, len(entity.Kinds))
	for _, k := range entity.Kinds {
		out[k.Table()] = k
	}
	return out
}

// Start follows the binlog from the server's current position.
func (l *BinlogListener) Start() error {
	pos, err := l.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read binlog position: %w", err)
	}
	logger.Log.Info("Starting binlog listener",
		zap.String("host", l.cfg.Host),
		zap.String("file", pos.Name),
		zap.Uint32("pos", pos.Pos),
	)

	l.running = true
	go func() {
		defer close(l.done)
		if err := l.canal.RunFrom(pos); err != nil && l.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()

	return nil
}

func (l *BinlogListener) Stop() {
	l.cancel()
	l.canal.Close()
	if l.running {
		<-l.done
	}
	logger.Log.Info("Stopped binlog listener")
}

type eventHandler struct {
	canal.DummyEventHandler
	listener *BinlogListener
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	deleted, restored := TombstoneChanges(h.listener.tables, e, time.Now())

	ctx, cancel := context.WithTimeout(h.listener.ctx, 10*time.Second)
	defer cancel()

	for _, t := range deleted {
		if err := h.listener.sink.PutTombstone(ctx, t); err != nil {
			logger.Log.Error("Failed to record tombstone",
				zap.String("entityType", t.EntityType),
				zap.String("recordID", t.RecordID),
				zap.Error(err),
			)
		}
	}
	for _, t := range restored {
		if err := h.listener.sink.DeleteTombstone(ctx, t.EntityType, t.RecordID); err != nil {
			logger.Log.Error("Failed to clear tombstone",
				zap.String("entityType", t.EntityType),
				zap.String("recordID", t.RecordID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (h *eventHandler) String() string {
	return "TombstoneEventHandler"
}

// TombstoneChanges translates a row event on an entity table into tombstones to record
// (deletes) and tombstones to clear (inserts of a previously deleted id). The event time
// comes from the binlog header when present, otherwise now.
func TombstoneChanges(tables map[string]entity.Kind, e *canal.RowsEvent, now time.Time) (deleted, restored []*store.Tombstone) {
	if e == nil || e.Table == nil {
		return nil, nil
	}
	kind, ok := tables[e.Table.Name]
	if !ok {
		return nil, nil
	}
	if e.Action != canal.DeleteAction && e.Action != canal.InsertAction {
		return nil, nil
	}

	idCol := e.Table.FindColumn("id")
	companyCol := e.Table.FindColumn("company_id")
	if idCol < 0 {
		return nil, nil
	}

	at := now
	if e.Header != nil && e.Header.Timestamp > 0 {
		at = time.Unix(int64(e.Header.Timestamp), 0)
	}
	at = entity.NormalizeTime(at)

	for _, row := range e.Rows {
		if idCol >= len(row) {
			continue
		}
		t := &store.Tombstone{
			EntityType: string(kind),
			RecordID:   columnString(row[idCol]),
			DeletedAt:  at,
		}
		if companyCol >= 0 && companyCol < len(row) {
			t.CompanyID = columnString(row[companyCol])
		}
		if t.RecordID == "" {
			continue
		}
		if e.Action == canal.DeleteAction {
			deleted = append(deleted, t)
		} else {
			restored = append(restored, t)
		}
	}
	return deleted, restored
}

func columnString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
