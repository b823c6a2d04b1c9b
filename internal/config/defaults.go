package config

// DefaultConfigYAML is the file written by `qdispatch init`. Values omitted
// here fall back to the loader defaults.
const DefaultConfigYAML = `# qdispatch configuration
#
# Environment variables override file values: QDISPATCH_DISPATCH_INTERVAL=30s

log:
  level: info
  format: auto # auto, text, json

state:
  data_dir: .qdispatch

dispatch:
  interval: 60s
  # Hard cap on a single cycle, including worker time.
  cycle_timeout: 30m
  # Lease length; a worker never runs longer than this.
  max_run_duration: 20m
  # 0 = one worker per 2 GiB of available memory, capped at 4.
  max_concurrency: 0

git:
  trunk: main
  # Leave empty to integrate into the local trunk only.
  remote: ""
  branch_prefix: qd/

# Projects map an id to the repository tickets of that project work in.
projects: {}
#  web:
#    repo: /path/to/web
#    trunk: main
#    remote: origin

worker:
  # Executable that reads a JSON request on stdin and writes a JSON result on stdout.
  command: ""
  args: []
  grace_period: 10s

conflicts:
  # Conflicts touching only these paths go back to the agent as rework.
  machine_patterns: [go.sum, package-lock.json, yarn.lock, pnpm-lock.yaml, Cargo.lock]
  # Any conflict on these paths needs a human.
  human_patterns: ["*.sql", "migrations/*"]
  max_machine_files: 3

api:
  enabled: false
  addr: 127.0.0.1:8765
`
