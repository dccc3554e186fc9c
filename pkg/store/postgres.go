package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xt-ml/xt/pkg/common/httpclient"
	"github.com/xt-ml/xt/pkg/common/models"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/query"
)

type workspaceRow struct {
	Name          string    `gorm:"primaryKey;column:name"`
	SchemaVersion int       `gorm:"column:schema_version"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (workspaceRow) TableName() string { return "xt_workspaces" }

type jobRow struct {
	JobID     string            `gorm:"primaryKey;column:job_id"`
	JobNum    int               `gorm:"column:job_num;index"`
	Workspace string            `gorm:"column:ws_name;index"`
	Doc       datatypes.JSONMap `gorm:"column:doc"`
	UpdatedAt time.Time         `gorm:"column:updated_at"`
}

func (jobRow) TableName() string { return "xt_jobs" }

type runRow struct {
	Workspace string            `gorm:"primaryKey;column:ws_name"`
	RunName   string            `gorm:"primaryKey;column:run_name"`
	RunNum    int               `gorm:"column:run_num;index"`
	JobID     string            `gorm:"column:job_id;index"`
	Doc       datatypes.JSONMap `gorm:"column:doc"`
	UpdatedAt time.Time         `gorm:"column:updated_at"`
}

func (runRow) TableName() string { return "xt_runs" }

type counterRow struct {
	Name  string `gorm:"primaryKey;column:name"`
	Value int    `gorm:"column:value"`
}

func (counterRow) TableName() string { return "xt_counters" }

type rollupRow struct {
	ID          string            `gorm:"primaryKey;column:id"`
	Destination string            `gorm:"column:destination;index:idx_rollup_dest"`
	Key         string            `gorm:"column:rollup_key;index:idx_rollup_dest"`
	Workspace   string            `gorm:"column:ws_name"`
	RunName     string            `gorm:"column:run_name"`
	Metrics     datatypes.JSONMap `gorm:"column:metrics"`
	CreatedAt   time.Time         `gorm:"column:created_at"`
}

func (rollupRow) TableName() string { return "xt_metric_rollups" }

// PostgresStore keeps every record as a JSONB document next to the indexed
// columns used for lookups. Status changes run under a row lock.
type PostgresStore struct {
	db        *gorm.DB
	counters  Counters
	attempts  int
	baseDelay time.Duration
}

func NewPostgresStore(db *gorm.DB, attempts int, baseDelay time.Duration) *PostgresStore {
	return &PostgresStore{
		db:        db,
		counters:  &pgCounters{db: db},
		attempts:  attempts,
		baseDelay: baseDelay,
	}
}

func (s *PostgresStore) WithCounters(c Counters) *PostgresStore {
	s.counters = c
	return s
}

func (s *PostgresStore) AutoMigrate() error {
	return s.db.AutoMigrate(&workspaceRow{}, &jobRow{}, &runRow{}, &counterRow{}, &rollupRow{})
}

func (s *PostgresStore) retry(ctx context.Context, fn func() error) error {
	return httpclient.Retry(ctx, s.attempts, s.baseDelay, func() error {
		return classifyDB(fn())
	})
}

// classifyDB tags raw driver errors with the store category and marks
// connection loss, serialization failures and deadlocks as transient.
func classifyDB(err error) error {
	if err == nil {
		return nil
	}
	var xe *xterr.Error
	if errors.As(err, &xe) {
		return err
	}
	wrapped := xterr.Wrap(xterr.CategoryStore, err, "postgres")
	msg := err.Error()
	for _, marker := range []string{"bad connection", "SQLSTATE 40001", "SQLSTATE 40P01", "SQLSTATE 57P01", "SQLSTATE 08"} {
		if strings.Contains(msg, marker) {
			return xterr.MarkTransient(wrapped)
		}
	}
	return wrapped
}

func isDuplicate(err error) bool {
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "SQLSTATE 23505"))
}

func (s *PostgresStore) CreateWorkspace(ctx context.Context, name string) error {
	return s.retry(ctx, func() error {
		err := s.db.WithContext(ctx).Create(&workspaceRow{
			Name:          name,
			SchemaVersion: models.SchemaVersion,
			CreatedAt:     time.Now().UTC(),
		}).Error
		if isDuplicate(err) {
			return alreadyExists("workspace", name)
		}
		return err
	})
}

func (s *PostgresStore) DeleteWorkspace(ctx context.Context, name, confirm string) error {
	if err := checkConfirm(name, confirm); err != nil {
		return err
	}
	return s.retry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Where("name = ?", name).Delete(&workspaceRow{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return notFound("workspace", name)
			}
			if err := tx.Where("ws_name = ?", name).Delete(&runRow{}).Error; err != nil {
				return err
			}
			if err := tx.Where("ws_name = ?", name).Delete(&jobRow{}).Error; err != nil {
				return err
			}
			return tx.Where("name = ? OR name LIKE ?", runCounterKey(name), childCounterKey(name, "")+"%").
				Delete(&counterRow{}).Error
		})
	})
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context) ([]string, error) {
	var names []string
	err := s.retry(ctx, func() error {
		return s.db.WithContext(ctx).Model(&workspaceRow{}).Order("name").Pluck("name", &names).Error
	})
	return names, err
}

func (s *PostgresStore) WorkspaceExists(ctx context.Context, name string) (bool, error) {
	var n int64
	err := s.retry(ctx, func() error {
		return s.db.WithContext(ctx).Model(&workspaceRow{}).Where("name = ?", name).Count(&n).Error
	})
	return n > 0, err
}

// ensureWorkspace upgrades older workspaces on first use.
func (s *PostgresStore) ensureWorkspace(ctx context.Context, name string) error {
	var row workspaceRow
	err := s.retry(ctx, func() error {
		return s.db.WithContext(ctx).First(&row, "name = ?", name).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound("workspace", name)
	}
	if err != nil {
		return err
	}
	if row.SchemaVersion < models.SchemaVersion {
		_, err = s.MigrateWorkspace(ctx, name)
	}
	return err
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) (string, error) {
	num, err := s.counters.Next(ctx, jobCounterKey)
	if err != nil {
		return "", err
	}
	job.JobNum = num
	job.JobID = models.JobName(num)
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = models.JobSubmitted
	}
	doc, err := models.ToDocument(job)
	if err != nil {
		return "", xterr.Wrap(xterr.CategoryInternal, err, "encode job")
	}
	if job.Schedule == models.ScheduleDynamic {
		if err := s.counters.Set(ctx, dynamicCounterKey(job.JobID), job.DynamicRunsRemaining); err != nil {
			return "", err
		}
	}
	err = s.retry(ctx, func() error {
		return s.db.WithContext(ctx).Create(&jobRow{
			JobID:     job.JobID,
			JobNum:    num,
			Workspace: job.Workspace,
			Doc:       datatypes.JSONMap(doc),
			UpdatedAt: time.Now().UTC(),
		}).Error
	})
	return job.JobID, err
}

func (s *PostgresStore) StartRun(ctx context.Context, run *models.Run) (string, error) {
	if err := s.ensureWorkspace(ctx, run.Workspace); err != nil {
		return "", err
	}
	num, err := s.counters.Next(ctx, runCounterKey(run.Workspace))
	if err != nil {
		return "", err
	}
	run.RunName = models.RunName(num)
	run.RunNum, _ = models.RunNum(run.RunName)
	return run.RunName, s.insertRun(ctx, run)
}

func (s *PostgresStore) StartChildRun(ctx context.Context, ws, parent string, run *models.Run) (string, error) {
	parentNum, _, err := models.ParseRunName(parent)
	if err != nil {
		return "", xterr.Syntax("%v", err)
	}
	_, err = s.mutateRun(ctx, ws, parent, func(doc models.Document) (bool, error) {
		doc["is_parent"] = true
		appendLog(doc, models.NewLogRecord(models.EventChildCreated, nil))
		return true, nil
	})
	if err != nil {
		return "", err
	}
	child, err := s.counters.Next(ctx, childCounterKey(ws, parent))
	if err != nil {
		return "", err
	}
	run.Workspace = ws
	run.RunName = models.ChildRunName(parentNum, child)
	run.RunNum, _ = models.RunNum(run.RunName)
	run.IsChild = true
	run.Parent = parent
	return run.RunName, s.insertRun(ctx, run)
}

func (s *PostgresStore) insertRun(ctx context.Context, run *models.Run) error {
	doc, err := newRunDocument(run)
	if err != nil {
		return err
	}
	return s.retry(ctx, func() error {
		err := s.db.WithContext(ctx).Create(&runRow{
			Workspace: run.Workspace,
			RunName:   run.RunName,
			RunNum:    run.RunNum,
			JobID:     run.JobID,
			Doc:       datatypes.JSONMap(doc),
			UpdatedAt: time.Now().UTC(),
		}).Error
		if isDuplicate(err) {
			return alreadyExists("run", run.RunName)
		}
		return err
	})
}

// mutateRun applies fn to one run document under a row lock.
func (s *PostgresStore) mutateRun(ctx context.Context, ws, name string, fn func(models.Document) (bool, error)) (bool, error) {
	var changed bool
	err := s.retry(ctx, func() error {
		changed = false
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row runRow
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&row, "ws_name = ? AND run_name = ?", ws, name).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("run", ws+"/"+name)
			}
			if err != nil {
				return err
			}
			doc := models.Document(row.Doc)
			if doc == nil {
				doc = models.Document{}
			}
			ok, err := fn(doc)
			if err != nil || !ok {
				return err
			}
			changed = true
			return tx.Model(&runRow{}).
				Where("ws_name = ? AND run_name = ?", ws, name).
				Updates(map[string]interface{}{"doc": datatypes.JSONMap(doc), "updated_at": time.Now().UTC()}).Error
		})
	})
	return changed, err
}

func (s *PostgresStore) mutateJob(ctx context.Context, jobID string, fn func(models.Document) (bool, error)) (bool, error) {
	var changed bool
	err := s.retry(ctx, func() error {
		changed = false
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row jobRow
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "job_id = ?", jobID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("job", jobID)
			}
			if err != nil {
				return err
			}
			doc := models.Document(row.Doc)
			if doc == nil {
				doc = models.Document{}
			}
			ok, err := fn(doc)
			if err != nil || !ok {
				return err
			}
			changed = true
			return tx.Model(&jobRow{}).
				Where("job_id = ?", jobID).
				Updates(map[string]interface{}{"doc": datatypes.JSONMap(doc), "updated_at": time.Now().UTC()}).Error
		})
	})
	return changed, err
}

func (s *PostgresStore) LogRunEvent(ctx context.Context, ws, runName, event string, data map[string]interface{}) error {
	_, err := s.mutateRun(ctx, ws, runName, func(doc models.Document) (bool, error) {
		appendLog(doc, models.NewLogRecord(event, data))
		return true, nil
	})
	return err
}

func (s *PostgresStore) LogJobEvent(ctx context.Context, jobID, event string, data map[string]interface{}) error {
	_, err := s.mutateJob(ctx, jobID, func(doc models.Document) (bool, error) {
		appendLog(doc, models.NewLogRecord(event, data))
		return true, nil
	})
	return err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, jobID string, u models.Update) error {
	_, err := s.mutateJob(ctx, jobID, func(doc models.Document) (bool, error) {
		u.Apply(doc)
		return true, nil
	})
	return err
}

func (s *PostgresStore) UpdateRunsByFilter(ctx context.Context, ws string, f *query.Filter, u models.Update) (int, error) {
	if err := s.ensureWorkspace(ctx, ws); err != nil {
		return 0, err
	}
	var n int
	err := s.retry(ctx, func() error {
		n = 0
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rows []runRow
			if err := pushdownRuns(tx.Clauses(clause.Locking{Strength: "UPDATE"}), ws, f).Find(&rows).Error; err != nil {
				return err
			}
			now := time.Now().UTC()
			for _, row := range rows {
				doc := models.Document(row.Doc)
				if !f.Match(doc) {
					continue
				}
				u.Apply(doc)
				err := tx.Model(&runRow{}).
					Where("ws_name = ? AND run_name = ?", ws, row.RunName).
					Updates(map[string]interface{}{"doc": datatypes.JSONMap(doc), "updated_at": now}).Error
				if err != nil {
					return err
				}
				n++
			}
			return nil
		})
	})
	return n, err
}

func (s *PostgresStore) SetRunStatus(ctx context.Context, ws, runName, status string, restart bool, extra models.Update) (bool, error) {
	return s.mutateRun(ctx, ws, runName, func(doc models.Document) (bool, error) {
		return applyRunStatus(doc, status, restart, extra), nil
	})
}

func (s *PostgresStore) SetJobStatus(ctx context.Context, jobID, status string, extra models.Update) (bool, error) {
	return s.mutateJob(ctx, jobID, func(doc models.Document) (bool, error) {
		models.MigrateJobDocument(doc)
		return applyJobStatus(doc, status, extra), nil
	})
}

// pushdownRuns narrows the row scan with the indexed columns. The rest of
// the filter is evaluated on the documents.
func pushdownRuns(tx *gorm.DB, ws string, f *query.Filter) *gorm.DB {
	tx = tx.Where("ws_name = ?", ws)
	if f != nil && len(f.Names) > 0 && (f.NameField == "" || f.NameField == "run_name") {
		tx = tx.Where("run_name IN ?", f.Names)
	}
	return tx.Order("run_num")
}

func (s *PostgresStore) GetRuns(ctx context.Context, ws string, q query.Query) ([]models.Document, error) {
	if err := s.ensureWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	var rows []runRow
	err := s.retry(ctx, func() error {
		return pushdownRuns(s.db.WithContext(ctx), ws, q.Filter).Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	docs := make([]models.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, models.Document(row.Doc))
	}
	return query.Apply(docs, q), nil
}

func (s *PostgresStore) GetJobs(ctx context.Context, q query.Query) ([]models.Document, error) {
	q = jobQuery(q)
	var rows []jobRow
	err := s.retry(ctx, func() error {
		tx := s.db.WithContext(ctx)
		if f := q.Filter; f != nil {
			if f.Workspace != "" {
				tx = tx.Where("ws_name = ?", f.Workspace)
			}
			if len(f.Names) > 0 && f.NameField == "job_id" {
				tx = tx.Where("job_id IN ?", f.Names)
			}
		}
		return tx.Order("job_num").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	docs := make([]models.Document, 0, len(rows))
	for _, row := range rows {
		doc := models.Document(row.Doc)
		models.MigrateJobDocument(doc)
		docs = append(docs, doc)
	}
	return query.Apply(docs, q), nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var row jobRow
	err := s.retry(ctx, func() error {
		return s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("job", jobID)
	}
	if err != nil {
		return nil, err
	}
	doc := models.Document(row.Doc)
	models.MigrateJobDocument(doc)
	return jobFromDocument(doc)
}

func (s *PostgresStore) GetRun(ctx context.Context, ws, runName string) (*models.Run, error) {
	var row runRow
	err := s.retry(ctx, func() error {
		return s.db.WithContext(ctx).First(&row, "ws_name = ? AND run_name = ?", ws, runName).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("run", ws+"/"+runName)
	}
	if err != nil {
		return nil, err
	}
	doc := models.Document(row.Doc)
	models.MigrateRunDocument(doc)
	return runFromDocument(doc)
}

func (s *PostgresStore) GetJobNames(ctx context.Context, f *query.Filter) ([]string, error) {
	docs, err := s.GetJobs(ctx, query.Query{Filter: f, SortField: "job_num"})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.String("job_id"))
	}
	return names, nil
}

func (s *PostgresStore) RunExists(ctx context.Context, ws, runName string) (bool, error) {
	var n int64
	err := s.retry(ctx, func() error {
		return s.db.WithContext(ctx).Model(&runRow{}).
			Where("ws_name = ? AND run_name = ?", ws, runName).Count(&n).Error
	})
	return n > 0, err
}

func (s *PostgresStore) GetJobWorkspace(ctx context.Context, jobID string) (string, error) {
	var row jobRow
	err := s.retry(ctx, func() error {
		return s.db.WithContext(ctx).Select("job_id", "ws_name").First(&row, "job_id = ?", jobID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", notFound("job", jobID)
	}
	return row.Workspace, err
}

func (s *PostgresStore) PutJobDocument(ctx context.Context, doc models.Document, overwrite bool) error {
	id := doc.String("job_id")
	if id == "" {
		return xterr.Store("job document has no job_id")
	}
	num, _ := models.ParseJobNum(id)
	row := jobRow{
		JobID:     id,
		JobNum:    num,
		Workspace: doc.String("ws_name"),
		Doc:       datatypes.JSONMap(doc.Clone()),
		UpdatedAt: time.Now().UTC(),
	}
	return s.retry(ctx, func() error {
		tx := s.db.WithContext(ctx)
		if overwrite {
			tx = tx.Clauses(clause.OnConflict{UpdateAll: true})
		}
		err := tx.Create(&row).Error
		if isDuplicate(err) {
			return alreadyExists("job", id)
		}
		return err
	})
}

func (s *PostgresStore) PutRunDocument(ctx context.Context, ws string, doc models.Document, overwrite bool) error {
	name := doc.String("run_name")
	if name == "" {
		return xterr.Store("run document has no run_name")
	}
	cp := doc.Clone()
	cp["ws_name"] = ws
	num, _ := models.RunNum(name)
	row := runRow{
		Workspace: ws,
		RunName:   name,
		RunNum:    num,
		JobID:     cp.String("job_id"),
		Doc:       datatypes.JSONMap(cp),
		UpdatedAt: time.Now().UTC(),
	}
	return s.retry(ctx, func() error {
		tx := s.db.WithContext(ctx)
		if overwrite {
			tx = tx.Clauses(clause.OnConflict{UpdateAll: true})
		}
		err := tx.Create(&row).Error
		if isDuplicate(err) {
			return alreadyExists("run", name)
		}
		return err
	})
}

func (s *PostgresStore) NextRunNum(ctx context.Context, ws string) (int, error) {
	return s.counters.Peek(ctx, runCounterKey(ws))
}

func (s *PostgresStore) ResetCounters(ctx context.Context, ws string, nextRun, nextJob int) error {
	if nextRun > 0 {
		if err := s.counters.Reset(ctx, runCounterKey(ws), nextRun); err != nil {
			return err
		}
	}
	if nextJob > 0 {
		cur, err := s.counters.Peek(ctx, jobCounterKey)
		if err != nil {
			return err
		}
		if nextJob > cur {
			return s.counters.Reset(ctx, jobCounterKey, nextJob)
		}
	}
	return nil
}

func (s *PostgresStore) DecrementDynamicRuns(ctx context.Context, jobID string) (int, bool, error) {
	remaining, ok, err := s.counters.DecrementIfPositive(ctx, dynamicCounterKey(jobID))
	if err != nil || !ok {
		return remaining, ok, err
	}
	_, err = s.mutateJob(ctx, jobID, func(doc models.Document) (bool, error) {
		doc["dynamic_runs_remaining"] = float64(remaining)
		return true, nil
	})
	return remaining, true, err
}

func (s *PostgresStore) MigrateWorkspace(ctx context.Context, ws string) (int, error) {
	var n int
	err := s.retry(ctx, func() error {
		n = 0
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var wsRow workspaceRow
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&wsRow, "name = ?", ws).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("workspace", ws)
			}
			if err != nil {
				return err
			}

			var runs []runRow
			if err := tx.Where("ws_name = ?", ws).Find(&runs).Error; err != nil {
				return err
			}
			for _, row := range runs {
				doc := models.Document(row.Doc)
				if !models.MigrateRunDocument(doc) {
					continue
				}
				num, _ := models.RunNum(row.RunName)
				err := tx.Model(&runRow{}).Where("ws_name = ? AND run_name = ?", ws, row.RunName).
					Updates(map[string]interface{}{"doc": datatypes.JSONMap(doc), "run_num": num}).Error
				if err != nil {
					return err
				}
				n++
			}

			var jobs []jobRow
			if err := tx.Where("ws_name = ?", ws).Find(&jobs).Error; err != nil {
				return err
			}
			for _, row := range jobs {
				doc := models.Document(row.Doc)
				if !models.MigrateJobDocument(doc) {
					continue
				}
				if err := tx.Model(&jobRow{}).Where("job_id = ?", row.JobID).
					Update("doc", datatypes.JSONMap(doc)).Error; err != nil {
					return err
				}
				n++
			}
			return tx.Model(&workspaceRow{}).Where("name = ?", ws).
				Update("schema_version", models.SchemaVersion).Error
		})
	})
	return n, err
}

func (s *PostgresStore) AddRollup(ctx context.Context, r Rollup) error {
	metrics := make(map[string]interface{}, len(r.Metrics))
	for k, v := range r.Metrics {
		metrics[k] = v
	}
	row := rollupRow{
		ID:          uuid.New().String(),
		Destination: r.Destination,
		Key:         r.Key,
		Workspace:   r.Workspace,
		RunName:     r.RunName,
		Metrics:     datatypes.JSONMap(metrics),
		CreatedAt:   time.Now().UTC(),
	}
	return s.retry(ctx, func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	})
}

func (s *PostgresStore) ListRollups(ctx context.Context, destination, key string) ([]Rollup, error) {
	var rows []rollupRow
	err := s.retry(ctx, func() error {
		tx := s.db.WithContext(ctx).Where("destination = ?", destination)
		if key != "" {
			tx = tx.Where("rollup_key = ?", key)
		}
		return tx.Order("created_at").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]Rollup, 0, len(rows))
	for _, row := range rows {
		metrics := make(map[string]float64, len(row.Metrics))
		for k, v := range row.Metrics {
			if f, ok := v.(float64); ok {
				metrics[k] = f
			}
		}
		out = append(out, Rollup{
			Destination: row.Destination,
			Key:         row.Key,
			Workspace:   row.Workspace,
			RunName:     row.RunName,
			Metrics:     metrics,
			CreatedAt:   row.CreatedAt,
		})
	}
	return out, nil
}

// pgCounters allocates ids with single-statement upserts.
type pgCounters struct {
	db *gorm.DB
}

func (c *pgCounters) Next(ctx context.Context, key string) (int, error) {
	var v int
	err := c.db.WithContext(ctx).Raw(
		`INSERT INTO xt_counters (name, value) VALUES (?, 1)
		 ON CONFLICT (name) DO UPDATE SET value = xt_counters.value + 1
		 RETURNING value`, key).Scan(&v).Error
	return v, classifyDB(err)
}

func (c *pgCounters) Peek(ctx context.Context, key string) (int, error) {
	var rows []counterRow
	if err := c.db.WithContext(ctx).Where("name = ?", key).Find(&rows).Error; err != nil {
		return 0, classifyDB(err)
	}
	if len(rows) == 0 {
		return 1, nil
	}
	return rows[0].Value + 1, nil
}

func (c *pgCounters) Reset(ctx context.Context, key string, next int) error {
	return c.Set(ctx, key, next-1)
}

func (c *pgCounters) Set(ctx context.Context, key string, value int) error {
	return classifyDB(c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&counterRow{Name: key, Value: value}).Error)
}

func (c *pgCounters) DecrementIfPositive(ctx context.Context, key string) (int, bool, error) {
	var vals []int
	err := c.db.WithContext(ctx).Raw(
		`UPDATE xt_counters SET value = value - 1 WHERE name = ? AND value > 0 RETURNING value`, key).
		Scan(&vals).Error
	if err != nil {
		return 0, false, classifyDB(err)
	}
	if len(vals) == 0 {
		cur, err := c.Peek(ctx, key)
		return cur - 1, false, err
	}
	return vals[0], true, nil
}

func (c *pgCounters) Delete(ctx context.Context, key string) error {
	return classifyDB(c.db.WithContext(ctx).Where("name = ?", key).Delete(&counterRow{}).Error)
}
