package router

import (
	"regexp"

	"github.com/bonzainsights/mragent/internal/models"
)

// keywordCategory is one scored category with its pattern groups.
type keywordCategory struct {
	category models.Category
	patterns []*regexp.Regexp
}

// keywordCategories is scored in order; on a tie the earlier category
// wins. Patterns run against the lower-cased message and every match
// counts.
var keywordCategories = []keywordCategory{
	{models.CategoryCode, compileAll(
		`\b(code|function|class|bug|debug|implement|refactor|script|program)\b`,
		`\b(python|javascript|html|css|sql|bash|api|json|xml)\b`,
		`\b(error|traceback|exception|syntax|compile|runtime)\b`,
		`\b(git|commit|push|pull|merge|branch|deploy)\b`,
		`\b(pip|npm|install|package|dependency|import)\b`,
	)},
	{models.CategoryBrowsing, compileAll(
		`\b(search|find|look up|fetch|download|browse|web|news|headlines?|topics?|trends?)\b`,
		`\b(url|link|site|page|website)\b`,
	)},
	{models.CategoryThinking, compileAll(
		`\b(analy[sz]e|explain|compare|evaluate|reason|think|plan)\b`,
		`\b(design|architect|strategy|approach|tradeoff|pros and cons)\b`,
		`\b(why|how does|what if|should i|which is better)\b`,
		`\b(complex|detailed|thorough|comprehensive|in-depth)\b`,
		`\b(step[- ]?by[- ]?step|break down|decompose)\b`,
		`\b(image|picture|photo|draw|paint|illustrat\w*|generat\w*|creat\w*)\b`,
		`\b(file|folder|directory|read|write|save|delete|move|rename)\b`,
		`\b(run|execute|terminal|command|shell|screenshot)\b`,
	)},
	{models.CategoryFast, compileAll(
		`\b(hi|hello|hey|thanks|ok|yes|no|sure)\b`,
		`\b(what is|who is|when|where|define|meaning)\b`,
		`\b(quick|simple|short|brief|tldr|summary)\b`,
		`\b(translate|convert|format|list|count)\b`,
	)},
}

// needsToolsPattern flags messages that almost certainly need a tool.
var needsToolsPattern = regexp.MustCompile(`\b(image|generat\w*|draw|search|find|file|run|execute|screenshot|fetch|web)\b`)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// scoreKeywords counts pattern matches per category and returns the
// winner, or general when nothing matched. It never fails.
func scoreKeywords(lower string) (models.Category, map[string]int) {
	scores := make(map[string]int, len(keywordCategories))
	best := models.CategoryGeneral
	bestScore := 0
	for _, kc := range keywordCategories {
		n := 0
		for _, p := range kc.patterns {
			n += len(p.FindAllStringIndex(lower, -1))
		}
		scores[string(kc.category)] = n
		if n > bestScore {
			best, bestScore = kc.category, n
		}
	}
	return best, scores
}
