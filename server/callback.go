package server

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/johnstarich/sagelink/authorize"
)

// userCancelledError is the aggregator's error code when the user backs out of authorization
const userCancelledError = "UserCancelledSession"

var callbackTemplate = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>Connecting your bank</title>
</head>
<body>
	<p id="status">Finishing up...</p>
	<script>
		fetch({{.MessagesURL}}, {
			method: "POST",
			credentials: "same-origin",
			headers: {"Content-Type": "application/json"},
			body: JSON.stringify({{.Message}}),
		}).finally(function() {
			document.getElementById("status").textContent = "You can close this window.";
			window.close();
		});
	</script>
</body>
</html>
`))

// callbackMessage converts the aggregator's redirect parameters into an authorization result
func callbackMessage(ref, errorCode, details string) authorize.Message {
	switch {
	case errorCode == userCancelledError:
		return authorize.Message{Type: authorize.MessageCancelled}
	case errorCode != "":
		if details == "" {
			details = errorCode
		}
		return authorize.Message{Type: authorize.MessageError, Data: authorize.MessageData{RequisitionID: ref, Error: details}}
	case ref == "":
		return authorize.Message{Type: authorize.MessageError, Data: authorize.MessageData{Error: "The bank didn't return an authorization reference"}}
	default:
		return authorize.Message{Type: authorize.MessageSuccess, Data: authorize.MessageData{RequisitionID: ref}}
	}
}

// callbackPage is where the aggregator sends the authorization window. It posts the result back to this server, then closes itself
func callbackPage(c *gin.Context) {
	msg := callbackMessage(c.Query("ref"), c.Query("error"), c.Query("details"))
	messagesURL := messagesPath + "?session=" + template.URLQueryEscaper(c.Query("session"))
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	err := callbackTemplate.Execute(c.Writer, map[string]interface{}{
		"MessagesURL": messagesURL,
		"Message":     msg,
	})
	if err != nil {
		c.Error(err)
	}
}
