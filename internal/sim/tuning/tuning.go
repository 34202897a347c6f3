package tuning

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tilesync.dev/internal/sim/action"
)

// EnvPrefix prefixes every environment override, e.g. TILESYNC_NET_SYNC_FREQ.
const EnvPrefix = "TILESYNC_"

type Tuning struct {
	Server  Server  `yaml:"server" envPrefix:"SERVER_"`
	Network Network `yaml:"network" envPrefix:"NET_"`
	World   World   `yaml:"world" envPrefix:"WORLD_"`
	Persist Persist `yaml:"persist" envPrefix:"PERSIST_"`
	Offsite Offsite `yaml:"offsite" envPrefix:"OFFSITE_"`
}

type Server struct {
	Name       string `yaml:"name" env:"NAME"`
	Password   string `yaml:"password" env:"PASSWORD"`
	MaxClients int    `yaml:"max_clients" env:"MAX_CLIENTS"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL"`
}

// Network holds the lockstep settings. Durations are in ticks.
type Network struct {
	TickRateHz             int     `yaml:"tick_rate_hz" env:"TICK_RATE_HZ"`
	FrameFreq              uint32  `yaml:"frame_freq" env:"FRAME_FREQ"`
	SyncFreq               uint32  `yaml:"sync_freq" env:"SYNC_FREQ"`
	CommandsPerFrame       int     `yaml:"commands_per_frame" env:"COMMANDS_PER_FRAME"`
	CommandsPerFrameServer int     `yaml:"commands_per_frame_server" env:"COMMANDS_PER_FRAME_SERVER"`
	MaxCommandsInQueue     int     `yaml:"max_commands_in_queue" env:"MAX_COMMANDS_IN_QUEUE"`
	MaxInitTime            uint32  `yaml:"max_init_time" env:"MAX_INIT_TIME"`
	MaxPasswordTime        uint32  `yaml:"max_password_time" env:"MAX_PASSWORD_TIME"`
	MaxDownloadTime        uint32  `yaml:"max_download_time" env:"MAX_DOWNLOAD_TIME"`
	MaxJoinTime            uint32  `yaml:"max_join_time" env:"MAX_JOIN_TIME"`
	MaxLagTime             uint32  `yaml:"max_lag_time" env:"MAX_LAG_TIME"`
	WaitResendTicks        uint32  `yaml:"wait_resend_ticks" env:"WAIT_RESEND_TICKS"`
	SnapshotChunkBytes     int     `yaml:"snapshot_chunk_bytes" env:"SNAPSHOT_CHUNK_BYTES"`
	SnapshotMaxBatch       int     `yaml:"snapshot_max_batch" env:"SNAPSHOT_MAX_BATCH"`
	PauseOnJoin            bool    `yaml:"pause_on_join" env:"PAUSE_ON_JOIN"`
	PauseLevel             string  `yaml:"pause_level" env:"PAUSE_LEVEL"`
	ChatPerSecond          float64 `yaml:"chat_per_second" env:"CHAT_PER_SECOND"`
	ChatBurst              int     `yaml:"chat_burst" env:"CHAT_BURST"`
}

type World struct {
	ID               string `yaml:"id" env:"ID"`
	Seed             uint64 `yaml:"seed" env:"SEED"`
	MapSizeLog       uint8  `yaml:"map_size_log" env:"MAP_SIZE_LOG"`
	DayTicks         uint16 `yaml:"day_ticks" env:"DAY_TICKS"`
	StartMoney       int64  `yaml:"start_money" env:"START_MONEY"`
	MaxLoan          int64  `yaml:"max_loan" env:"MAX_LOAN"`
	LoanStep         int64  `yaml:"loan_step" env:"LOAN_STEP"`
	InterestPermille int64  `yaml:"interest_permille" env:"INTEREST_PERMILLE"`
	WaterPermille    uint32 `yaml:"water_permille" env:"WATER_PERMILLE"`
	MaxCompanies     int    `yaml:"max_companies" env:"MAX_COMPANIES"`
}

type Persist struct {
	DataDir             string `yaml:"data_dir" env:"DATA_DIR"`
	SnapshotEveryFrames uint32 `yaml:"snapshot_every_frames" env:"SNAPSHOT_EVERY_FRAMES"`
	FrameLog            bool   `yaml:"frame_log" env:"FRAME_LOG"`
	IndexDB             bool   `yaml:"index_db" env:"INDEX_DB"`
	// ArchiveEveryFrames copies every Nth-frame snapshot into archives/;
	// 0 disables archiving.
	ArchiveEveryFrames uint32 `yaml:"archive_every_frames" env:"ARCHIVE_EVERY_FRAMES"`
	// KeepSnapshots bounds snapshots/; 0 keeps all of them.
	KeepSnapshots int `yaml:"keep_snapshots" env:"KEEP_SNAPSHOTS"`
}

// Offsite mirrors snapshots and archives to an S3-compatible bucket. It is
// off while Endpoint is empty.
type Offsite struct {
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Region          string `yaml:"region" env:"REGION"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"-" env:"SECRET_ACCESS_KEY"`
	Workers         int    `yaml:"workers" env:"WORKERS"`
	QueueCapacity   int    `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
}

func (o Offsite) Enabled() bool { return o.Endpoint != "" }

func Default() Tuning {
	return Tuning{
		Server: Server{
			Name:       "tilesync",
			MaxClients: 25,
			LogLevel:   "info",
		},
		Network: Network{
			TickRateHz:             30,
			FrameFreq:              0,
			SyncFreq:               100,
			CommandsPerFrame:       2,
			CommandsPerFrameServer: 16,
			MaxCommandsInQueue:     16,
			MaxInitTime:            100,
			MaxPasswordTime:        2000,
			MaxDownloadTime:        1000,
			MaxJoinTime:            500,
			MaxLagTime:             500,
			WaitResendTicks:        60,
			SnapshotChunkBytes:     1400,
			SnapshotMaxBatch:       64,
			PauseOnJoin:            true,
			PauseLevel:             "no_construction",
			ChatPerSecond:          2,
			ChatBurst:              5,
		},
		World: World{
			ID:               "world",
			Seed:             1,
			MapSizeLog:       6,
			DayTicks:         74,
			StartMoney:       100_000,
			MaxLoan:          300_000,
			LoanStep:         10_000,
			InterestPermille: 40,
			WaterPermille:    80,
			MaxCompanies:     action.MaxCompanies,
		},
		Persist: Persist{
			DataDir:             "./data",
			SnapshotEveryFrames: 3000,
			FrameLog:            true,
			IndexDB:             true,
			ArchiveEveryFrames:  108_000,
			KeepSnapshots:       20,
		},
		Offsite: Offsite{
			Region:        "auto",
			Workers:       2,
			QueueCapacity: 256,
		},
	}
}

// Load reads path over the defaults (an empty path keeps them), then applies
// TILESYNC_* environment overrides and validates the result.
func Load(path string) (Tuning, error) {
	t := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return t, err
		}
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("tuning.yaml: %w", err)
		}
	}
	if err := env.ParseWithOptions(&t, env.Options{Prefix: EnvPrefix}); err != nil {
		return t, fmt.Errorf("tuning env: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// LoadDotEnv exports the variables of a .env file if it exists.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (t Tuning) Validate() error {
	n := t.Network
	switch {
	case n.TickRateHz <= 0 || n.TickRateHz > 1000:
		return fmt.Errorf("network.tick_rate_hz %d out of range", n.TickRateHz)
	case n.SyncFreq == 0:
		return errors.New("network.sync_freq must be positive")
	case n.CommandsPerFrame <= 0:
		return errors.New("network.commands_per_frame must be positive")
	case n.MaxCommandsInQueue <= 0:
		return errors.New("network.max_commands_in_queue must be positive")
	case n.SnapshotChunkBytes < 64:
		return fmt.Errorf("network.snapshot_chunk_bytes %d too small", n.SnapshotChunkBytes)
	case n.SnapshotMaxBatch < 1:
		return errors.New("network.snapshot_max_batch must be positive")
	case n.MaxLagTime == 0 || n.MaxJoinTime == 0 || n.MaxDownloadTime == 0 || n.MaxInitTime == 0 || n.MaxPasswordTime == 0:
		return errors.New("network timeouts must be positive")
	}
	if _, ok := action.ParsePauseLevel(n.PauseLevel); !ok {
		return fmt.Errorf("network.pause_level %q unknown", n.PauseLevel)
	}
	if t.Server.MaxClients <= 0 {
		return errors.New("server.max_clients must be positive")
	}
	w := t.World
	if w.MapSizeLog < 4 || w.MapSizeLog > 10 {
		return fmt.Errorf("world.map_size_log %d out of range [4,10]", w.MapSizeLog)
	}
	if w.DayTicks == 0 {
		return errors.New("world.day_ticks must be positive")
	}
	if w.MaxCompanies <= 0 || w.MaxCompanies > action.MaxCompanies {
		return fmt.Errorf("world.max_companies %d out of range [1,%d]", w.MaxCompanies, action.MaxCompanies)
	}
	p := t.Persist
	if p.KeepSnapshots < 0 {
		return errors.New("persist.keep_snapshots must not be negative")
	}
	if p.ArchiveEveryFrames > 0 && p.SnapshotEveryFrames > 0 && p.ArchiveEveryFrames%p.SnapshotEveryFrames != 0 {
		return fmt.Errorf("persist.archive_every_frames %d is not a multiple of snapshot_every_frames %d", p.ArchiveEveryFrames, p.SnapshotEveryFrames)
	}
	if o := t.Offsite; o.Enabled() && (o.Bucket == "" || o.AccessKeyID == "" || o.SecretAccessKey == "") {
		return errors.New("offsite: bucket, access_key_id and secret_access_key are required when endpoint is set")
	}
	return nil
}

// PauseLevelValue returns the parsed pause level. Validate has checked it.
func (n Network) PauseLevelValue() action.PauseLevel {
	l, _ := action.ParsePauseLevel(n.PauseLevel)
	return l
}
