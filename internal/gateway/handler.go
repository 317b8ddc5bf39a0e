package gateway

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"
)

const subjectClaim = "sub"

// Handler upgrades authenticated websocket connections and hands them
// to the hub.
type Handler struct {
	hub        *Hub
	log        *log.Logger
	signingKey []byte
	upgrader   websocket.Upgrader
}

func NewHandler(hub *Hub, logger *log.Logger, signingKey []byte) *Handler {
	return &Handler{
		hub:        hub,
		log:        logger,
		signingKey: signingKey,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	userId, err := h.userIdFromRequest(r)
	if err != nil {
		h.log.Println("gateway: auth:", err)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Println("gateway: upgrade:", err)
		return
	}

	c := newClient(h.hub, conn, h.log, userId, r.Header.Get("X-Client-Id"))
	go c.writePump()
	go c.readPump()
}

func (h *Handler) userIdFromRequest(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || tokenString == "" {
		// Browser websocket clients cannot set headers; fall back to a
		// query parameter.
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		return "", fmt.Errorf("missing token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return h.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[subjectClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("invalid subject claim")
	}

	return userId, nil
}
