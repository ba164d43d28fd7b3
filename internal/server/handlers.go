package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler upgrades GET /ws requests and registers the new client
// with hub.
func WebSocketHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logrus.WithError(err).WithField("addr", c.Request.RemoteAddr).Warn("WebSocket upgrade failed")
			return
		}

		client := NewClient(conn, hub, c.Request.RemoteAddr)
		if !hub.registerClient(client) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			_ = conn.Close()
		}
	}
}

// HealthHandler reports that the server is up along with the live
// connection count.
func HealthHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": hub.ClientCount(),
		})
	}
}

// TestPageHandler serves a small HTML client for trying the chat by hand.
func TestPageHandler(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(testPage))
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>roomchat test client</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"], input[type="password"] { width: 160px; padding: 5px; margin-right: 6px; }
        button { padding: 5px 12px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        .system { color: gray; font-style: italic; }
        .error { color: #a00; }
    </style>
</head>
<body>
    <h1>roomchat</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="username" placeholder="username">
        <input type="password" id="secret" placeholder="password or token">
        <button onclick="connectAndLogin()">Connect &amp; login</button>
    </div>
    <div style="margin-top: 8px">
        <input type="text" id="roomId" placeholder="room id">
        <button onclick="send({type: 'join_room', roomId: document.getElementById('roomId').value})">Join</button>
        <button onclick="send({type: 'leave_room'})">Leave</button>
    </div>
    <div id="messages"></div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message...">
        <button onclick="sendMessage()">Send</button>
    </div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const statusDiv = document.getElementById('status');

        function addLine(text, cls) {
            const el = document.createElement('div');
            el.className = cls || '';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function render(ev) {
            switch (ev.type) {
            case 'system': addLine(ev.content, 'system'); break;
            case 'error': addLine('Error: ' + ev.content, 'error'); break;
            case 'image': addLine(ev.username + ' sent an image: ' + ev.imageUrl); break;
            case 'pdf': addLine(ev.username + ' sent ' + (ev.pdfName || 'a PDF') + ': ' + ev.pdfUrl); break;
            case 'emoji': addLine(ev.username + ': ' + ev.emoji); break;
            default: addLine(ev.username + ': ' + ev.content);
            }
        }

        function setStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
        }

        function send(obj) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(obj));
            }
        }

        function connectAndLogin() {
            if (ws) { ws.close(); }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = function() {
                setStatus(true);
                send({
                    type: 'login',
                    username: document.getElementById('username').value,
                    secret: document.getElementById('secret').value
                });
            };
            ws.onmessage = function(event) { render(JSON.parse(event.data)); };
            ws.onclose = function() { setStatus(false); addLine('Connection closed', 'system'); ws = null; };
            ws.onerror = function() { addLine('Connection error', 'error'); };
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            const content = input.value.trim();
            if (content) {
                send({type: 'message', content: content});
                addLine('You: ' + content);
                input.value = '';
            }
        }

        document.getElementById('messageInput').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { sendMessage(); }
        });
    </script>
</body>
</html>`
