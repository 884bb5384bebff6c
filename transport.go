package procworker

import "github.com/wagiedev/procworker-go/internal/config"

// Spawner starts child processes.
// Implement this to run children somewhere other than local processes, or
// to script a child in tests.
//
// The default implementation runs an executable with the IPC channel on
// inherited file descriptors. Custom spawners can be injected via WithSpawner.
type Spawner = config.Spawner

// Process is one running child incarnation returned by a Spawner.
type Process = config.Process

// ProcessEvents receives notifications from a Process.
type ProcessEvents = config.Events

// SpawnConfig describes how to start a child.
type SpawnConfig = config.SpawnConfig
