package addon

import "github.com/StarNumber12046/opencards/proxy"

// Decoder removes the Content-Encoding of buffered responses before they are
// relayed to the client.
type Decoder struct {
	proxy.BaseAddon
}

func (*Decoder) Response(f *proxy.Flow) {
	f.Response.ReplaceToDecodedBody()
}
