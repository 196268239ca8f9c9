// Package viralsandbox is the embedding API of the virus sandbox: it hosts
// sessions over a catalog, persists them and writes history artifacts.
package viralsandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"viralsandbox/internal/catalog"
	"viralsandbox/internal/model"
	"viralsandbox/internal/platform"
	"viralsandbox/internal/scenario"
	"viralsandbox/internal/session"
	"viralsandbox/internal/stats"
	"viralsandbox/internal/storage"
)

const (
	defaultArtifactsDir = "artifacts"
	defaultExportsDir   = "exports"
	defaultStorePath    = ".sandbox"
	defaultDBPath       = "sandbox.db"
)

type Options struct {
	StoreKind string
	// StorePath is the directory of a file store or the database of a
	// sqlite store.
	StorePath string
	// CatalogPath selects a JSON or YAML catalog; empty loads the built-in
	// sandbox catalog.
	CatalogPath  string
	ArtifactsDir string
	ExportsDir   string
	// Logger receives the session journal; nil disables it.
	Logger         *log.Logger
	SupportModules []platform.SupportModule
}

type Client struct {
	store   storage.Store
	cat     *catalog.Catalog
	lab     *platform.Lab
	logger  *log.Logger
	modules []platform.SupportModule

	artifactsDir string
	exportsDir   string
}

type SessionRequest struct {
	ID    string
	Rules model.SessionRules
}

type ExportRequest struct {
	SessionID string
	Latest    bool
	OutDir    string
}

type ExportSummary struct {
	SessionID string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	storePath := opts.StorePath
	if storePath == "" {
		storePath = defaultStorePath
		if storeKind == "sqlite" {
			storePath = defaultDBPath
		}
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	cat, err := loadCatalog(opts.CatalogPath)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewStore(storeKind, storePath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		cat:          cat,
		logger:       opts.Logger,
		modules:      append([]platform.SupportModule(nil), opts.SupportModules...),
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Sample()
	}
	return catalog.LoadFile(path)
}

// Close stops the lab and releases the store.
func (c *Client) Close() error {
	if c.lab != nil {
		c.lab.Stop()
		c.lab = nil
	}
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensureLab(ctx)
	return err
}

func (c *Client) Catalog() *catalog.Catalog { return c.cat }

// LoadCatalog switches the client to the catalog at path. Live sessions of
// the previous catalog are dropped from memory; stored sessions stay in the
// store and load again once their catalog is active.
func (c *Client) LoadCatalog(ctx context.Context, path string) (*catalog.Catalog, error) {
	cat, err := loadCatalog(path)
	if err != nil {
		return nil, err
	}
	if c.lab != nil {
		c.lab.Stop()
		c.lab = nil
	}
	c.cat = cat
	if _, err := c.ensureLab(ctx); err != nil {
		return nil, err
	}
	return cat, nil
}

func (c *Client) NewSession(ctx context.Context, req SessionRequest) (model.SessionSnapshot, error) {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	opts := session.OptionsFromRules(req.ID, req.Rules)
	return lab.Open(ctx, opts)
}

func (c *Client) Configure(ctx context.Context, sessionID, genomeType string) (model.SessionSnapshot, error) {
	return c.dispatch(ctx, sessionID, platform.Command{Kind: platform.CommandConfigureGenome, Genome: genomeType})
}

func (c *Client) Install(ctx context.Context, sessionID, geneID string) (model.SessionSnapshot, error) {
	return c.dispatch(ctx, sessionID, platform.Command{Kind: platform.CommandInstallGene, Gene: geneID})
}

func (c *Client) Uninstall(ctx context.Context, sessionID, geneID string) (model.SessionSnapshot, error) {
	return c.dispatch(ctx, sessionID, platform.Command{Kind: platform.CommandUninstallGene, Gene: geneID})
}

// Move shifts an installed gene delta places in the installation order.
func (c *Client) Move(ctx context.Context, sessionID, geneID string, delta int) (model.SessionSnapshot, error) {
	return c.dispatch(ctx, sessionID, platform.Command{Kind: platform.CommandMoveGene, Gene: geneID, Delta: delta})
}

// Advance plays rounds rounds, one when rounds is zero, and refreshes the
// session artifacts. Rounds played before a failing round are kept.
func (c *Client) Advance(ctx context.Context, sessionID string, rounds int) (model.SessionSnapshot, error) {
	snap, err := c.dispatch(ctx, sessionID, platform.Command{Kind: platform.CommandAdvanceRound, Rounds: rounds})
	if snap.ID == "" {
		return snap, err
	}
	if rerr := c.record(snap); rerr != nil && err == nil {
		err = rerr
	}
	return snap, err
}

func (c *Client) Reset(ctx context.Context, sessionID string) (model.SessionSnapshot, error) {
	return c.dispatch(ctx, sessionID, platform.Command{Kind: platform.CommandResetSession})
}

func (c *Client) Snapshot(ctx context.Context, sessionID string) (model.SessionSnapshot, error) {
	return c.dispatch(ctx, sessionID, platform.Command{Kind: platform.CommandGetSnapshot})
}

// SlotUsage reports used and total genome slots of a session.
func (c *Client) SlotUsage(ctx context.Context, sessionID string) (used, total int, err error) {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return 0, 0, err
	}
	sess, err := lab.Load(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}
	used, total = sess.SlotUsage()
	return used, total, nil
}

func (c *Client) Sessions(ctx context.Context) ([]model.SessionSummary, error) {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return nil, err
	}
	return lab.Sessions(ctx)
}

func (c *Client) Delete(ctx context.Context, sessionID string) error {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return err
	}
	return lab.Delete(ctx, sessionID)
}

// Export writes the current artifacts of a session and copies them to the
// export directory.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.SessionID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either session id or latest")
	}
	if req.SessionID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires session id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	sessionID := req.SessionID
	if req.Latest {
		entries, err := stats.ListSessionIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no sessions available to export")
		}
		sessionID = entries[0].SessionID
	}

	snap, err := c.Snapshot(ctx, sessionID)
	if err != nil {
		return ExportSummary{}, err
	}
	if err := c.record(snap); err != nil {
		return ExportSummary{}, err
	}
	exportedDir, err := stats.ExportSessionArtifacts(c.artifactsDir, sessionID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{SessionID: sessionID, Directory: filepath.Clean(exportedDir)}, nil
}

// ExportJSON encodes a session, history included, for Import.
func (c *Client) ExportJSON(ctx context.Context, sessionID string) ([]byte, error) {
	snap, err := c.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return storage.EncodeExport(snap)
}

// Import restores a session produced by ExportJSON into the store.
func (c *Client) Import(ctx context.Context, data []byte) (model.SessionSnapshot, error) {
	snap, err := storage.DecodeExport(data)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	return lab.Import(ctx, snap)
}

// RunScript runs the Lua scenario at path against a session. Every command
// of the script is persisted as it runs.
func (c *Client) RunScript(ctx context.Context, sessionID, path string) (scenario.Report, error) {
	sc, err := scenario.LoadFile(path)
	if err != nil {
		return scenario.Report{}, err
	}
	return c.RunScenario(ctx, sessionID, sc)
}

func (c *Client) RunScenario(ctx context.Context, sessionID string, sc *scenario.Scenario) (scenario.Report, error) {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return scenario.Report{}, err
	}
	sess, err := lab.Load(ctx, sessionID)
	if err != nil {
		return scenario.Report{}, err
	}
	report, err := scenario.Run(ctx, labTarget{lab: lab, sess: sess}, sc)
	if report.Final.ID != "" {
		if rerr := c.record(report.Final); rerr != nil && err == nil {
			err = rerr
		}
	}
	return report, err
}

func (c *Client) dispatch(ctx context.Context, sessionID string, cmd platform.Command) (model.SessionSnapshot, error) {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	return lab.Dispatch(ctx, sessionID, cmd)
}

func (c *Client) record(snap model.SessionSnapshot) error {
	if _, err := stats.WriteSessionArtifacts(c.artifactsDir, stats.NewSessionArtifacts(snap)); err != nil {
		return fmt.Errorf("write artifacts %s: %w", snap.ID, err)
	}
	return stats.AppendSessionIndex(c.artifactsDir, stats.IndexEntry(snap, time.Now().UTC().Format(time.RFC3339Nano)))
}

func (c *Client) ensureLab(ctx context.Context) (*platform.Lab, error) {
	if c.lab != nil {
		return c.lab, nil
	}
	l := platform.NewLab(platform.Config{Store: c.store, Catalog: c.cat, Logger: c.logger, SupportModules: c.modules})
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	c.lab = l
	return c.lab, nil
}

// labTarget runs scenario commands through the lab so each one is
// persisted.
type labTarget struct {
	lab  *platform.Lab
	sess *session.Session
}

func (t labTarget) ConfigureGenome(ctx context.Context, genomeType string) (model.SessionSnapshot, error) {
	return t.lab.Dispatch(ctx, t.sess.ID(), platform.Command{Kind: platform.CommandConfigureGenome, Genome: genomeType})
}

func (t labTarget) InstallGene(ctx context.Context, geneID string) (model.SessionSnapshot, error) {
	return t.lab.Dispatch(ctx, t.sess.ID(), platform.Command{Kind: platform.CommandInstallGene, Gene: geneID})
}

func (t labTarget) UninstallGene(ctx context.Context, geneID string) (model.SessionSnapshot, error) {
	return t.lab.Dispatch(ctx, t.sess.ID(), platform.Command{Kind: platform.CommandUninstallGene, Gene: geneID})
}

func (t labTarget) MoveGene(ctx context.Context, geneID string, delta int) (model.SessionSnapshot, error) {
	return t.lab.Dispatch(ctx, t.sess.ID(), platform.Command{Kind: platform.CommandMoveGene, Gene: geneID, Delta: delta})
}

func (t labTarget) AdvanceRound(ctx context.Context) (model.SessionSnapshot, error) {
	return t.lab.Dispatch(ctx, t.sess.ID(), platform.Command{Kind: platform.CommandAdvanceRound, Rounds: 1})
}

func (t labTarget) Reset(ctx context.Context) (model.SessionSnapshot, error) {
	return t.lab.Dispatch(ctx, t.sess.ID(), platform.Command{Kind: platform.CommandResetSession})
}

func (t labTarget) Snapshot() model.SessionSnapshot {
	return t.sess.Snapshot()
}
