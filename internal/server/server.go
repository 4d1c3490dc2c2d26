package server

import (
	"log"
	"net/http"
)

func Handler(hub *Hub, store ConversationStore, controls ControlHooks) http.Handler {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, store, controls)

	return mux
}

func Serve(addr string, hub *Hub, store ConversationStore, controls ControlHooks) error {
	log.Printf("event feed at http://%s", addr)
	return http.ListenAndServe(addr, Handler(hub, store, controls))
}
