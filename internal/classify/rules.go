package classify

import (
	"regexp"
	"strings"
)

// patternRule pairs a compiled pattern with the danger it signals and the
// minimum risk it forces. Every rule is evaluated against every command;
// the final risk is the maximum over all matches.
type patternRule struct {
	re     *regexp.Regexp
	danger string
	risk   RiskLevel
}

// blockedRules match commands that are refused outright. There is no
// approval path out of a match here.
var blockedRules = []patternRule{
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/\s*$`), "recursive delete of filesystem root", RiskBlocked},
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/(\s|$)`), "recursive delete starting at filesystem root", RiskBlocked},
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+~`), "recursive delete inside home directory", RiskBlocked},
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+\$HOME`), "recursive delete inside home directory", RiskBlocked},
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+\*`), "recursive wildcard delete", RiskBlocked},
	{regexp.MustCompile(`\bsudo\s+rm\b`), "privileged file deletion", RiskBlocked},
	{regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`), "filesystem format", RiskBlocked},
	{regexp.MustCompile(`\bdd\s+[^|;&]*\bof=/dev/`), "raw write to block device", RiskBlocked},
	{regexp.MustCompile(`>\s*/dev/(sd|nvme|hd|vd)`), "redirect onto block device", RiskBlocked},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`), "fork bomb", RiskBlocked},
	{regexp.MustCompile(`\b(curl|wget)\b[^|;&]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`), "piping remote content into a shell", RiskBlocked},
	{regexp.MustCompile(`\bbase64\s+(-d|--decode)\b[^|;&]*\|\s*(ba|z|da|k)?sh\b`), "piping decoded content into a shell", RiskBlocked},
	{regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema)\b`), "destructive SQL statement", RiskBlocked},
	{regexp.MustCompile(`(?i)\btruncate\s+table\b`), "destructive SQL statement", RiskBlocked},
	{regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`), "host power control", RiskBlocked},
	{regexp.MustCompile(`\binit\s+[06]\b`), "host power control", RiskBlocked},
	{regexp.MustCompile(`\b(fdisk|parted|sfdisk)\b`), "partition table manipulation", RiskBlocked},
	{regexp.MustCompile(`>\s*/(etc|usr|bin|sbin|lib|boot)/`), "redirect into a system directory", RiskBlocked},
	{regexp.MustCompile(`\b(env|printenv|set)\b[^|;&]*\|\s*[^|;&]*\b(curl|wget|nc|ncat)\b`), "environment exfiltration over the network", RiskBlocked},
	{regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/\s*$`), "world-writable filesystem root", RiskBlocked},
}

// dangerousRules match commands that need explicit per-item approval.
var dangerousRules = []patternRule{
	{regexp.MustCompile(`\brm\s+-[a-zA-Z]*r`), "recursive delete", RiskDangerous},
	{regexp.MustCompile(`\brm\s+-[a-zA-Z]*f`), "forced delete", RiskDangerous},
	{regexp.MustCompile(`^\s*(sudo|su|doas)\b`), "privilege escalation", RiskDangerous},
	{regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*(777|666)\b`), "world-writable permissions", RiskDangerous},
	{regexp.MustCompile(`\bchown\s+(-[a-zA-Z]+\s+)*root\b`), "ownership transfer to root", RiskDangerous},
	{regexp.MustCompile(`\bgit\s+push\b[^|;&]*(--force|-f\b)`), "force push rewrites remote history", RiskDangerous},
	{regexp.MustCompile(`\bgit\s+reset\s+--hard\b`), "discards uncommitted work", RiskDangerous},
	{regexp.MustCompile(`\bgit\s+clean\s+-[a-zA-Z]*f`), "deletes untracked files", RiskDangerous},
	{regexp.MustCompile(`\bgit\s+checkout\s+(--\s+)?\.`), "discards working tree changes", RiskDangerous},
	{regexp.MustCompile(`\bgit\s+restore\s+\.`), "discards working tree changes", RiskDangerous},
	{regexp.MustCompile(`\bgit\s+branch\s+-[a-zA-Z]*D`), "force-deletes a branch", RiskDangerous},
	{regexp.MustCompile(`>\s*/dev/null\s+2>&1`), "output suppression hides failures", RiskDangerous},
	{regexp.MustCompile(`\bexport\s+LD_(PRELOAD|LIBRARY_PATH)=`), "dynamic linker override", RiskDangerous},
	{regexp.MustCompile(`~root\b`), "root home directory access", RiskDangerous},
	{regexp.MustCompile(`\b(nc|ncat|netcat)\s+(-[a-zA-Z]*l|--listen)`), "opens a listening socket", RiskDangerous},
	{regexp.MustCompile(`\bcrontab\s+-r\b`), "removes all scheduled jobs", RiskDangerous},
	{regexp.MustCompile(`\bkill\s+-9\s+1\b`), "signals PID 1", RiskDangerous},
	{regexp.MustCompile(`\bhistory\s+-c\b`), "clears shell history", RiskDangerous},
}

// moderateRules match commands that mutate state and therefore need
// approval (or a matching autonomy token).
var moderateRules = []patternRule{
	{regexp.MustCompile(`(^|[^>])>{1,2}\s*[^&\s]`), "writes via shell redirect", RiskModerate},
	{regexp.MustCompile(`\btee\b`), "writes via tee", RiskModerate},
	{regexp.MustCompile(`\b(mkdir|touch|cp|mv|ln)\b`), "filesystem mutation", RiskModerate},
	{regexp.MustCompile(`\brm\b`), "file deletion", RiskModerate},
	{regexp.MustCompile(`\bgit\s+(add|commit|push|pull|fetch|merge|rebase|stash|tag|cherry-pick|revert|switch)\b`), "modifies git state", RiskModerate},
	{regexp.MustCompile(`\b(pip|pip3)\s+(install|uninstall)\b`), "package installation", RiskModerate},
	{regexp.MustCompile(`\b(npm|yarn|pnpm)\s+(install|add|remove|uninstall|update)\b`), "package installation", RiskModerate},
	{regexp.MustCompile(`\bcargo\s+(install|add|remove)\b`), "package installation", RiskModerate},
	{regexp.MustCompile(`\bgem\s+(install|uninstall)\b`), "package installation", RiskModerate},
	{regexp.MustCompile(`\bbrew\s+(install|uninstall|upgrade)\b`), "package installation", RiskModerate},
	{regexp.MustCompile(`\b(apt|apt-get|dnf|yum|pacman|apk)\s+`), "system package manager", RiskModerate},
	{regexp.MustCompile(`\bgo\s+(install|get)\b`), "package installation", RiskModerate},
	{regexp.MustCompile(`\bdocker\s+(run|rm|rmi|stop|kill|exec|build|push|pull|compose)\b`), "container operation", RiskModerate},
	{regexp.MustCompile(`(?i)\b(insert\s+into|update\s+\w+\s+set|delete\s+from|alter\s+table|create\s+(table|index|database))\b`), "database write", RiskModerate},
	{regexp.MustCompile(`\bsystemctl\s+(start|stop|restart|enable|disable|mask)\b`), "service state change", RiskModerate},
	{regexp.MustCompile(`\.\./\.\.`), "deep parent directory traversal", RiskModerate},
	{regexp.MustCompile(`\bnmap\b`), "network scan", RiskModerate},
	{regexp.MustCompile(`\b(pkill|killall)\b`), "signals processes by name", RiskModerate},
	{regexp.MustCompile(`\bcrontab\s+(-e|\S+\.cron)`), "modifies scheduled jobs", RiskModerate},
	{regexp.MustCompile(`\bexport\s+PATH=`), "modifies executable lookup path", RiskModerate},
	{regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*\+x\b`), "marks a file executable", RiskModerate},
	{regexp.MustCompile(`\b(curl|wget)\s+[^|;&]*\b(-o|-O|--output)\b`), "downloads to disk", RiskModerate},
	{regexp.MustCompile(`\bssh\b`), "remote shell session", RiskModerate},
	{regexp.MustCompile(`\b(scp|rsync|sftp)\b`), "remote file transfer", RiskModerate},
}

// deleteWithoutWhere flags SQL DELETE statements with no WHERE clause.
// RE2 has no lookahead, so this is a plain function instead of a pattern.
func deleteWithoutWhere(raw string) bool {
	lower := strings.ToLower(raw)
	idx := strings.Index(lower, "delete from")
	if idx < 0 {
		return false
	}
	rest := lower[idx:]
	if end := strings.IndexByte(rest, ';'); end >= 0 {
		rest = rest[:end]
	}
	return !strings.Contains(rest, " where ")
}

// safeCommand describes an allow-listed command that auto-executes.
type safeCommand struct {
	Type        CommandType
	Description string
}

// safeBaseCommands allow-lists programs that are read-only by nature.
// A match here yields SAFE only when no other rule escalates the command.
var safeBaseCommands = map[string]safeCommand{
	"ls":       {TypeFileRead, "list directory contents"},
	"cat":      {TypeFileRead, "print file contents"},
	"head":     {TypeFileRead, "print leading lines"},
	"tail":     {TypeFileRead, "print trailing lines"},
	"less":     {TypeFileRead, "page through a file"},
	"more":     {TypeFileRead, "page through a file"},
	"file":     {TypeFileRead, "identify file type"},
	"stat":     {TypeFileRead, "show file metadata"},
	"wc":       {TypeFileRead, "count lines, words, bytes"},
	"grep":     {TypeFileRead, "search file contents"},
	"rg":       {TypeFileRead, "search file contents"},
	"ag":       {TypeFileRead, "search file contents"},
	"find":     {TypeFileRead, "locate files"},
	"fd":       {TypeFileRead, "locate files"},
	"tree":     {TypeFileRead, "show directory tree"},
	"diff":     {TypeFileRead, "compare files"},
	"pwd":      {TypeInfo, "print working directory"},
	"whoami":   {TypeInfo, "print current user"},
	"id":       {TypeInfo, "print user identity"},
	"hostname": {TypeInfo, "print host name"},
	"uname":    {TypeInfo, "print system information"},
	"date":     {TypeInfo, "print current time"},
	"uptime":   {TypeInfo, "print system uptime"},
	"env":      {TypeInfo, "print environment"},
	"printenv": {TypeInfo, "print environment"},
	"which":    {TypeInfo, "locate a program"},
	"type":     {TypeInfo, "describe a command"},
	"echo":     {TypeInfo, "print arguments"},
	"printf":   {TypeInfo, "print formatted arguments"},
	"df":       {TypeInfo, "show disk usage"},
	"du":       {TypeInfo, "show directory sizes"},
	"free":     {TypeInfo, "show memory usage"},
	"ps":       {TypeInfo, "list processes"},
	"top":      {TypeInfo, "show process activity"},
	"sort":     {TypeFileRead, "sort lines"},
	"uniq":     {TypeFileRead, "filter duplicate lines"},
	"cut":      {TypeFileRead, "select columns"},
	"tr":       {TypeFileRead, "translate characters"},
	"basename": {TypeInfo, "strip directory from a path"},
	"dirname":  {TypeInfo, "strip filename from a path"},
	"realpath": {TypeInfo, "resolve a path"},
	"md5sum":   {TypeFileRead, "hash file contents"},
	"sha256sum": {TypeFileRead, "hash file contents"},
	"jq":       {TypeFileRead, "query JSON"},
	"yq":       {TypeFileRead, "query YAML"},
	"pytest":   {TypeTest, "run Python tests"},
	"tox":      {TypeTest, "run Python test matrix"},
	"mypy":     {TypeLintFormat, "type-check Python"},
	"ruff":     {TypeLintFormat, "lint Python"},
	"flake8":   {TypeLintFormat, "lint Python"},
	"black":    {TypeLintFormat, "format Python"},
	"isort":    {TypeLintFormat, "sort Python imports"},
	"pylint":   {TypeLintFormat, "lint Python"},
	"eslint":   {TypeLintFormat, "lint JavaScript"},
	"prettier": {TypeLintFormat, "format source files"},
	"gofmt":    {TypeLintFormat, "format Go source"},
	"rustfmt":  {TypeLintFormat, "format Rust source"},
	"clippy-driver": {TypeLintFormat, "lint Rust"},
	"shellcheck":    {TypeLintFormat, "lint shell scripts"},
	"make": {TypeBuild, "run build targets"},
	"man":  {TypeInfo, "show a manual page"},
}

// safePrefixes allow-lists read-only multi-word invocations keyed by their
// first two words.
var safePrefixes = map[string]safeCommand{
	"git status":    {TypeGitRead, "show working tree status"},
	"git log":       {TypeGitRead, "show commit history"},
	"git diff":      {TypeGitRead, "show pending changes"},
	"git show":      {TypeGitRead, "show a commit"},
	"git branch":    {TypeGitRead, "list branches"},
	"git remote":    {TypeGitRead, "list remotes"},
	"git blame":     {TypeGitRead, "annotate file history"},
	"git describe":  {TypeGitRead, "describe current commit"},
	"git rev-parse": {TypeGitRead, "resolve a revision"},
	"git ls-files":  {TypeGitRead, "list tracked files"},
	"git stash list": {TypeGitRead, "list stashes"},
	"go test":       {TypeTest, "run Go tests"},
	"go vet":        {TypeLintFormat, "vet Go source"},
	"go build":      {TypeBuild, "compile Go packages"},
	"go version":    {TypeInfo, "print Go version"},
	"go env":        {TypeInfo, "print Go environment"},
	"go list":       {TypeInfo, "list Go packages"},
	"go doc":        {TypeInfo, "show Go documentation"},
	"cargo test":    {TypeTest, "run Rust tests"},
	"cargo check":   {TypeBuild, "type-check Rust packages"},
	"cargo build":   {TypeBuild, "compile Rust packages"},
	"cargo fmt":     {TypeLintFormat, "format Rust source"},
	"cargo clippy":  {TypeLintFormat, "lint Rust packages"},
	"npm test":      {TypeTest, "run JavaScript tests"},
	"npm run":       {TypeBuild, "run a package script"},
	"npm ls":        {TypePackageInfo, "list installed packages"},
	"npm view":      {TypePackageInfo, "show package metadata"},
	"npm outdated":  {TypePackageInfo, "list outdated packages"},
	"yarn test":     {TypeTest, "run JavaScript tests"},
	"pip show":      {TypePackageInfo, "show package metadata"},
	"pip list":      {TypePackageInfo, "list installed packages"},
	"pip freeze":    {TypePackageInfo, "list pinned packages"},
	"docker ps":     {TypeDocker, "list containers"},
	"docker images": {TypeDocker, "list images"},
	"docker logs":   {TypeDocker, "show container logs"},
	"docker inspect": {TypeDocker, "show container details"},
	"kubectl get":    {TypeInfo, "list cluster resources"},
	"kubectl describe": {TypeInfo, "describe cluster resources"},
	"systemctl status": {TypeInfo, "show service status"},
	"apt list":         {TypePackageInfo, "list packages"},
	"brew list":        {TypePackageInfo, "list installed formulae"},
}

// lookupSafe checks the allow-lists for the given command. Multi-word
// prefixes win over single-word bases so "git status" is recognized as a
// git read rather than a bare "git".
func lookupSafe(base string, tokens []string) (safeCommand, bool) {
	if len(tokens) >= 2 {
		prefix := tokens[0] + " " + tokens[1]
		if sc, ok := safePrefixes[prefix]; ok {
			return sc, true
		}
	}
	sc, ok := safeBaseCommands[base]
	return sc, ok
}
