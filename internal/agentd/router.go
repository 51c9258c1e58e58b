package agentd

import "net/http"

func (a *App) newRouter() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /chat/stream", a.handleChatStream)
	mux.HandleFunc("GET /chat/stream", a.handleChatStream) // resume mode per spec §4.8 test #2
	mux.HandleFunc("POST /chat/cancel", a.handleChatCancel)
	mux.HandleFunc("GET /chat/streaming-content/{subtaskID}", a.handleStreamingContent)
	mux.HandleFunc("GET /chat/resume-stream/{subtaskID}", a.handleResumeStream)

	mux.HandleFunc("GET /internal/chat/sessions", a.handleListSessions)
	mux.HandleFunc("GET /internal/chat/history/{sessionID}", a.handleGetHistory)
	mux.HandleFunc("DELETE /internal/chat/history/{sessionID}", a.handleDeleteHistory)
	mux.HandleFunc("POST /internal/chat/history/{sessionID}/messages", a.handleAppendMessage)
	mux.HandleFunc("POST /internal/chat/history/{sessionID}/messages/batch", a.handleAppendMessagesBatch)
	mux.HandleFunc("PATCH /internal/chat/history/{sessionID}/messages/{messageID}", a.handleUpdateMessage)
	mux.HandleFunc("DELETE /internal/chat/history/{sessionID}/messages/{messageID}", a.handleDeleteMessage)

	mux.HandleFunc("POST /internal/chat/tool-results/{sessionID}", a.handleToolResults)
	mux.HandleFunc("GET /internal/chat/tool-results/{sessionID}", a.handleToolResults)
	mux.HandleFunc("POST /internal/chat/pending-tool-calls/{sessionID}", a.handlePendingToolCalls)
	mux.HandleFunc("GET /internal/chat/pending-tool-calls/{sessionID}", a.handlePendingToolCalls)

	return mux
}
