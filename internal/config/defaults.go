package config

// DefaultConfigYAML contains the default configuration YAML content.
// It is written by `stepwise init`.
const DefaultConfigYAML = `# stepwise configuration
#
# Values not specified here use built-in defaults. Every key can be
# overridden with an environment variable, e.g. STEPWISE_STORE_DSN.

log:
  level: info
  # auto | text | json
  format: auto

store:
  # postgres | mysql | sqlite | memory
  driver: sqlite
  dsn: .stepwise/stepwise.db
  max_open_conns: 10
  max_idle_conns: 5
  conn_max_lifetime: 30m
  # sqlite only
  busy_timeout: 5s
  migrate: true

executor:
  # Applies to nodes that do not declare their own timeout.
  default_timeout: 10m
  # How long an expired node may take to unwind before it is abandoned.
  timeout_grace: 5s
  # Successor taken when an attempt times out.
  error_successor: call_error

delivery:
  topic: stepwise.tasks
  concurrency: 4
  buffer: 64
  # Attempts started per second across all workers. 0 disables the limit.
  rate_limit: 0
  rate_burst: 1
  # Ceiling shared by transient and soft retries. Busy redeliveries wait
  # out the lock holder without counting against it.
  max_retries: 20
  transient_backoff:
    strategy: jitter
    initial: 1s
    max: 1m
  busy_backoff:
    strategy: linear
    initial: 100ms
    max: 5s
  soft_backoff:
    strategy: constant
    initial: 5s
  sweep_schedule: "@every 1m"
  # Measured from a task's last due delivery or attempt lease.
  stale_after: 5m
  sweep_batch: 500

api:
  enabled: true
  addr: 127.0.0.1:8080
  cors_origins: []
`
