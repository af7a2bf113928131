package notify

import (
	"fmt"

	"golang.org/x/text/language"
)

// catalog holds every user-visible string for one locale.
type catalog struct {
	tag string

	successMark string
	failedMark  string
	stoppedMark string
	healingMark string
	statusMark  string
	alertMark   string

	titleSuccess string // cycle
	titleFailed  string // cycle
	failedAfter  string // cycle, attempts
	stopped      string // cycle
	healing      string // reason

	intent        string
	reason        string
	detail        string
	stats         string // attempts, duration
	synced        string // files, areas, hash
	nothingToSync string
	fallbackSync  string // files, areas
	fallbackEmpty string
	alertTitle    string
	statusTitle   string

	reasons map[string]string
}

var catalogs = []*catalog{
	{
		tag:         "en",
		successMark: "[SUCCESS]",
		failedMark:  "[FAILED]",
		stoppedMark: "[STOPPED]",
		healingMark: "[SELF-HEALING]",
		statusMark:  "[STATUS]",
		alertMark:   "[ALERT]",

		titleSuccess: "Cycle %s succeeded",
		titleFailed:  "Cycle %s failed",
		failedAfter:  "Cycle %s failed after %d attempt(s)",
		stopped:      "Kill switch engaged; supervisor stopped after cycle %s",
		healing:      "Self-healing triggered: %s",

		intent:        "Intent: %s",
		reason:        "Reason: %s",
		detail:        "Detail: %s",
		stats:         "Attempts: %d | Duration: %s",
		synced:        "Synced %d file(s) [%s] as %s",
		nothingToSync: "Nothing to synchronize",
		fallbackSync:  "Updated %d file(s) across %s",
		fallbackEmpty: "Completed without file changes",
		alertTitle:    "Worker error",
		statusTitle:   "Supervisor status",

		reasons: map[string]string{
			"exit_status": "the worker exited with a non-zero status",
			"timeout":     "the worker exceeded its time limit",
			"no_status":   "the worker produced no status report",
			"solidify":    "the worker could not solidify its results",
			"subworker":   "the delegated sub-task failed",
			"sync":        "changes could not be synchronized upstream",
			"start":       "the worker could not be started",
			"health":      "the health check reported an error",
			"stuck":       "no progress was logged within the staleness threshold",
			"dead":        "the engine process was not running",
		},
	},
	{
		tag:         "zh",
		successMark: "[成功]",
		failedMark:  "[失败]",
		stoppedMark: "[已停止]",
		healingMark: "[自愈]",
		statusMark:  "[状态]",
		alertMark:   "[告警]",

		titleSuccess: "周期 %s 成功",
		titleFailed:  "周期 %s 失败",
		failedAfter:  "周期 %s 在 %d 次尝试后失败",
		stopped:      "终止开关已启用，监督进程在周期 %s 之后停止",
		healing:      "已触发自愈：%s",

		intent:        "意图：%s",
		reason:        "原因：%s",
		detail:        "详情：%s",
		stats:         "尝试次数：%d | 耗时：%s",
		synced:        "已同步 %d 个文件 [%s]，提交 %s",
		nothingToSync: "没有需要同步的变更",
		fallbackSync:  "更新了 %d 个文件，涉及 %s",
		fallbackEmpty: "已完成，没有文件变更",
		alertTitle:    "工作进程错误",
		statusTitle:   "监督进程状态",

		reasons: map[string]string{
			"exit_status": "工作进程以非零状态退出",
			"timeout":     "工作进程超出时间限制",
			"no_status":   "工作进程没有生成状态报告",
			"solidify":    "工作进程未能固化其结果",
			"subworker":   "委派的子任务失败",
			"sync":        "变更未能同步到上游",
			"start":       "无法启动工作进程",
			"health":      "健康检查报告错误",
			"stuck":       "在停滞阈值内没有任何进度日志",
			"dead":        "引擎进程未在运行",
		},
	},
}

var matcher = language.NewMatcher([]language.Tag{language.English, language.Chinese})

// catalogFor returns the closest supported catalog; unknown locales fall
// back to English.
func catalogFor(locale string) *catalog {
	tag, err := language.Parse(locale)
	if err != nil {
		return catalogs[0]
	}
	_, idx, _ := matcher.Match(tag)
	return catalogs[idx]
}

// SupportedLocale normalizes locale to one of the catalog tags.
func SupportedLocale(locale string) string {
	return catalogFor(locale).tag
}

func (c *catalog) describeReason(code string) string {
	if code == "" {
		code = "exit_status"
	}
	if d, ok := c.reasons[code]; ok {
		return fmt.Sprintf("%s (%s)", d, code)
	}
	return code
}
