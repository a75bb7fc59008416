package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"

	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/core/stack"
	"github.com/artpar/stackpipe/internal/shell/artifacts"
	"github.com/artpar/stackpipe/internal/shell/build"
	"github.com/artpar/stackpipe/internal/shell/deploy"
	"github.com/artpar/stackpipe/internal/shell/lock"
	"github.com/artpar/stackpipe/internal/shell/platform"
	awsplatform "github.com/artpar/stackpipe/internal/shell/platform/aws"
	dockerplatform "github.com/artpar/stackpipe/internal/shell/platform/docker"
	"github.com/artpar/stackpipe/internal/shell/platform/memory"
	"github.com/artpar/stackpipe/internal/shell/secrets"
	"github.com/artpar/stackpipe/internal/shell/sequencer"
	"github.com/artpar/stackpipe/internal/shell/source"
	"github.com/artpar/stackpipe/internal/shell/store"
)

// =============================================================================
// App
// =============================================================================

// App builds the shell components from the configuration on first use and
// closes what it opened.
type App struct {
	config *Config
	logger *slog.Logger

	store   *store.SQLiteStore
	stack   *stack.Stack
	awsCfg  *awssdk.Config
	docker  *dockerplatform.DockerClient
	plat    *platform.Platform
	prov    *platform.Provisioner
	vault   *secrets.Vault
	seq     *sequencer.Sequencer
	sources *source.Action
}

// NewApp opens the database. Everything else is built lazily.
func NewApp(cfg *Config, logger *slog.Logger) (*App, error) {
	if dir := filepath.Dir(cfg.Database.DSN); dir != "." && !strings.HasPrefix(cfg.Database.DSN, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &ExitError{Op: "open database", Err: err, Code: ExitDatabaseError}
		}
	}
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ExitError{Op: "open database", Err: err, Code: ExitDatabaseError}
	}
	return &App{config: cfg, logger: logger, store: s}, nil
}

// Close releases everything the app opened, newest first.
func (a *App) Close() error {
	if a.seq != nil {
		a.seq.Close()
	}
	if a.docker != nil {
		if err := a.docker.Close(); err != nil {
			a.logger.Error("docker client close error", "error", err)
		}
	}
	return a.store.Close()
}

// Store returns the state store.
func (a *App) Store() store.Store { return a.store }

// Stack parses the configured stack file.
func (a *App) Stack() (*stack.Stack, error) {
	if a.stack != nil {
		return a.stack, nil
	}
	data, err := os.ReadFile(a.config.Stack.File)
	if err != nil {
		return nil, &ExitError{Op: "read stack", Err: err, Code: ExitConfigError}
	}
	st, err := stack.Parse(a.config.Stack.File, data)
	if err != nil {
		return nil, &ExitError{Op: "parse stack", Err: err, Code: ExitPlanError}
	}
	a.stack = st
	return st, nil
}

// StackName scopes recorded handles: the configured name, then the name in
// the stack file, then the file's base name.
func (a *App) StackName() (string, error) {
	if a.config.Stack.Name != "" {
		return a.config.Stack.Name, nil
	}
	st, err := a.Stack()
	if err != nil {
		return "", err
	}
	if st.Name != "" {
		return st.Name, nil
	}
	base := filepath.Base(a.config.Stack.File)
	return strings.TrimSuffix(base, filepath.Ext(base)), nil
}

// =============================================================================
// Platform
// =============================================================================

func (a *App) aws(ctx context.Context) (awssdk.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	cfg, err := awsplatform.LoadConfig(ctx, a.config.Platform.AWS)
	if err != nil {
		return awssdk.Config{}, &ExitError{Op: "load aws config", Err: err, Code: ExitConfigError}
	}
	a.awsCfg = &cfg
	return cfg, nil
}

func (a *App) dockerClient(ctx context.Context) (*dockerplatform.DockerClient, error) {
	if a.docker != nil {
		return a.docker, nil
	}
	d, err := dockerplatform.NewDockerClient(ctx, a.config.Platform.Docker.Host)
	if err != nil {
		return nil, &ExitError{Op: "connect docker", Err: err, Code: ExitProvisionError}
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, &ExitError{Op: "connect docker", Err: err, Code: ExitProvisionError}
	}
	a.docker = d
	return d, nil
}

// Platform returns the configured provider's platform.
func (a *App) Platform(ctx context.Context) (*platform.Platform, error) {
	if a.plat != nil {
		return a.plat, nil
	}
	switch a.config.Platform.Provider {
	case "docker":
		d, err := a.dockerClient(ctx)
		if err != nil {
			return nil, err
		}
		a.plat = dockerplatform.New(d, a.store, a.config.Platform.Docker.Options, a.logger).Platform()
	case "aws":
		cfg, err := a.aws(ctx)
		if err != nil {
			return nil, err
		}
		a.plat = awsplatform.New(cfg, a.config.Platform.AWS, a.logger).Platform()
	default:
		a.logger.Warn("using the in-memory platform; nothing outlives this process")
		a.plat = memory.New().Platform()
	}
	return a.plat, nil
}

// Provisioner returns the provisioner of the configured stack.
func (a *App) Provisioner(ctx context.Context) (*platform.Provisioner, error) {
	if a.prov != nil {
		return a.prov, nil
	}
	p, err := a.Platform(ctx)
	if err != nil {
		return nil, err
	}
	name, err := a.StackName()
	if err != nil {
		return nil, err
	}
	a.prov = platform.NewProvisioner(p, a.store, name, a.logger)
	return a.prov, nil
}

// =============================================================================
// Secrets
// =============================================================================

// Vault returns the encrypted secret table, or an error when no master
// passphrase is configured.
func (a *App) Vault() (*secrets.Vault, error) {
	if a.vault != nil {
		return a.vault, nil
	}
	if a.config.Secrets.MasterPassphrase == "" {
		return nil, &ExitError{
			Op:   "open vault",
			Err:  fmt.Errorf("secrets.master_passphrase is not set"),
			Code: ExitConfigError,
		}
	}
	v, err := secrets.NewVault(a.store, a.config.Secrets.MasterPassphrase)
	if err != nil {
		return nil, &ExitError{Op: "open vault", Err: err, Code: ExitConfigError}
	}
	a.vault = v
	return v, nil
}

// Secrets returns the resolver chain used for source credentials.
func (a *App) Secrets(ctx context.Context) (secrets.Resolver, error) {
	var resolvers []secrets.Resolver
	if a.config.Secrets.MasterPassphrase != "" {
		v, err := a.Vault()
		if err != nil {
			return nil, err
		}
		resolvers = append(resolvers, v)
	}

	env, err := secrets.NewEnv(a.config.Secrets.EnvPrefix, a.config.Secrets.EnvFile)
	if err != nil {
		return nil, &ExitError{Op: "load secrets", Err: err, Code: ExitConfigError}
	}
	resolvers = append(resolvers, env)

	if a.config.Secrets.KeyringService != "" {
		resolvers = append(resolvers, secrets.NewKeyring(a.config.Secrets.KeyringService))
	}
	if a.config.Secrets.SecretsManager {
		cfg, err := a.aws(ctx)
		if err != nil {
			return nil, err
		}
		resolvers = append(resolvers, secrets.NewSecretsManager(cfg))
	}
	return secrets.NewChain(a.logger, resolvers...), nil
}

// =============================================================================
// Pipelines
// =============================================================================

func (a *App) artifactStore(ctx context.Context) (artifacts.Store, error) {
	if a.config.Artifacts.Backend == "s3" {
		cfg, err := a.aws(ctx)
		if err != nil {
			return nil, err
		}
		s, err := artifacts.NewS3Store(cfg, a.config.Artifacts.S3)
		if err != nil {
			return nil, &ExitError{Op: "open artifact store", Err: err, Code: ExitConfigError}
		}
		return s, nil
	}
	s, err := artifacts.NewFileStore(a.config.Artifacts.Dir)
	if err != nil {
		return nil, &ExitError{Op: "open artifact store", Err: err, Code: ExitConfigError}
	}
	return s, nil
}

func (a *App) locker(ctx context.Context) (lock.Locker, error) {
	if a.config.Lock.Backend != "dynamodb" {
		return lock.NewLocal(), nil
	}
	cfg, err := a.aws(ctx)
	if err != nil {
		return nil, err
	}
	l := lock.NewDynamoDB(cfg, a.config.Lock.DynamoDB, a.logger)
	if err := l.EnsureTable(ctx); err != nil {
		return nil, &ExitError{Op: "create lock table", Err: err, Code: ExitConfigError}
	}
	return l, nil
}

func (a *App) stepRunner(ctx context.Context) (build.StepRunner, error) {
	if a.config.Build.Runner != "docker" {
		return build.ShellRunner{}, nil
	}
	d, err := a.dockerClient(ctx)
	if err != nil {
		return nil, err
	}
	return build.ContainerRunner{
		Client:     d,
		Image:      a.config.Build.Image,
		Privileged: a.config.Build.Privileged,
	}, nil
}

// Sources returns the source action, which also reads branch heads.
func (a *App) Sources(ctx context.Context) (*source.Action, error) {
	if a.sources != nil {
		return a.sources, nil
	}
	resolver, err := a.Secrets(ctx)
	if err != nil {
		return nil, err
	}
	a.sources = source.NewAction(source.NewGit(a.logger), resolver, a.logger)
	return a.sources, nil
}

// Sequencer wires the three stage actions to the stack's pipelines.
func (a *App) Sequencer(ctx context.Context) (*sequencer.Sequencer, error) {
	if a.seq != nil {
		return a.seq, nil
	}
	st, err := a.Stack()
	if err != nil {
		return nil, err
	}
	prov, err := a.Provisioner(ctx)
	if err != nil {
		return nil, err
	}
	plat, err := a.Platform(ctx)
	if err != nil {
		return nil, err
	}
	src, err := a.Sources(ctx)
	if err != nil {
		return nil, err
	}
	arts, err := a.artifactStore(ctx)
	if err != nil {
		return nil, err
	}
	runner, err := a.stepRunner(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}

	actions := map[pipeline.StageKind]sequencer.Action{
		pipeline.StageSource: src,
		pipeline.StageBuild:  build.NewAction(prov, plat.Registry, arts, runner, a.logger),
		pipeline.StageDeploy: deploy.NewAction(prov, plat.Runtime, arts, a.config.Pipeline.RolloutTimeout, a.logger),
	}
	seq, err := sequencer.New(a.store, st.Pipelines, actions, locker, a.config.Workspace, a.logger)
	if err != nil {
		return nil, &ExitError{Op: "load pipelines", Err: err, Code: ExitPlanError}
	}
	a.seq = seq
	return seq, nil
}
