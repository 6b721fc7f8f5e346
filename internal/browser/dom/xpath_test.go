package dom_test

import (
	"strings"
	"testing"

	"github.com/antchfx/htmlquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/webext-auto/internal/browser/dom"
)

const testHTML = `
	<html>
	<body>
		<div id="header">
			<h1>Welcome</h1>
		</div>
		<div class="content">
			<p>P1</p><p>P2</p>
			<ul>
				<li>Item 1</li>
				<!-- spacer -->
				<li>Item 2</li>
				<li id="special">Item 3</li>
			</ul>
		</div>
		<div class="content"><p>P3</p></div>
		<span id="it's">quoted</span>
		<span id="both'&quot;">both</span>
	</body>
	</html>
	`

func TestGenerateUniqueXPath(t *testing.T) {
	doc, err := htmlquery.Parse(strings.NewReader(testHTML))
	require.NoError(t, err)

	tests := []struct {
		name          string
		targetXPath   string
		expectedXPath string
	}{
		{"Body", "//body", "/html[1]/body[1]"},
		{"Element with ID", "//div[@id='header']", `//*[@id='header']`},
		{"Child of ID element", "//h1", `//*[@id='header']/h1[1]`},
		{"Specific index", "(//p)[2]", "/html[1]/body[1]/div[2]/p[2]"},
		{"Ambiguous classes", "(//div[@class='content'])[2]/p", "/html[1]/body[1]/div[3]/p[1]"},
		{"List item skipping comments", "//ul/li[2]", "/html[1]/body[1]/div[2]/ul[1]/li[2]"},
		{"List item with ID", "//li[@id='special']", `//*[@id='special']`},
		{"Text node", "//h1/text()", `//*[@id='header']/h1[1]/text()[1]`},
		{"Comment node", "//ul/comment()", "/html[1]/body[1]/div[2]/ul[1]/comment()[1]"},
		{"Apostrophe in ID", `//span[text()='quoted']`, `//*[@id="it's"]`},
		{"Both quotes in ID", `//span[text()='both']`, `//*[@id=concat('both', "'", '"')]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targetNode := htmlquery.FindOne(doc, tt.targetXPath)
			require.NotNil(t, targetNode, "target node not found with %s", tt.targetXPath)

			generatedXPath := dom.GenerateUniqueXPath(targetNode)
			assert.Equal(t, tt.expectedXPath, generatedXPath)

			verificationNode := htmlquery.FindOne(doc, generatedXPath)
			assert.Equal(t, targetNode, verificationNode, "generated XPath did not select the original node")
		})
	}
}

func TestGenerateUniqueXPath_Edges(t *testing.T) {
	assert.Empty(t, dom.GenerateUniqueXPath(nil))

	doc, err := html.Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "/", dom.GenerateUniqueXPath(doc))
}
