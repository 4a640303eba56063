package gateway

import (
	"net/http"

	"WProject/service/bot"

	"github.com/gin-gonic/gin"
)

// Built-in preset tree served to the bot client. Real deployments load
// this from the console configuration.
var questionTree = map[string]bot.QuestionNode{
	"root": {
		ID:       "root",
		Question: "Hi! What can we help you with?",
		Answers: []bot.Answer{
			{Label: "Billing", Next: "billing"},
			{Label: "Technical issue", Next: "tech"},
			{Label: "Talk to a human"},
		},
	},
	"billing": {
		ID:       "billing",
		Question: "Billing questions: invoices or refunds?",
		Answers: []bot.Answer{
			{Label: "Invoices"},
			{Label: "Refunds"},
		},
	},
	"tech": {
		ID:       "tech",
		Question: "Which product is affected?",
		Answers: []bot.Answer{
			{Label: "Widget"},
			{Label: "Console"},
		},
	},
}

func (s *Server) handleQuestion(c *gin.Context) {
	node, ok := questionTree[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
		return
	}
	c.JSON(http.StatusOK, node)
}
