// Package httpclient executes subgraph HTTP requests described by a JSON
// request input of the form {"url":...,"method":...,"header":{...},"body":{...}}.
// Callers build inputs with the SetInput helpers and hand them to Do.
package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/buger/jsonparser"
	"github.com/tidwall/sjson"
)

const (
	ContentEncodingHeader = "Content-Encoding"
	AcceptEncodingHeader  = "Accept-Encoding"
	AcceptHeader          = "Accept"
	ContentTypeHeader     = "Content-Type"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"

	ContentTypeJSON = "application/json"
)

const (
	URL    = "url"
	Method = "method"
	Body   = "body"
	Header = "header"
)

var DefaultNetHttpClient = &http.Client{
	Timeout: time.Second * 10,
	Transport: &http.Transport{
		MaxIdleConnsPerHost: 1024,
		TLSHandshakeTimeout: 0 * time.Second,
	},
}

func SetInputURL(input, url []byte) []byte {
	if len(url) == 0 {
		return input
	}
	out, _ := sjson.SetBytes(input, URL, string(url))
	return out
}

func SetInputMethod(input, method []byte) []byte {
	if len(method) == 0 {
		return input
	}
	out, _ := sjson.SetBytes(input, Method, string(method))
	return out
}

func SetInputBody(input, body []byte) []byte {
	if len(body) == 0 {
		return input
	}
	out, _ := sjson.SetRawBytes(input, Body, body)
	return out
}

func SetInputHeader(input, header []byte) []byte {
	if len(header) == 0 {
		return input
	}
	out, _ := sjson.SetRawBytes(input, Header, header)
	return out
}

func requestInputParams(input []byte) (url, method, body, headers []byte) {
	jsonparser.EachKey(input, func(i int, value []byte, valueType jsonparser.ValueType, err error) {
		switch i {
		case 0:
			url = value
		case 1:
			method = value
		case 2:
			body = value
		case 3:
			headers = value
		}
	}, [][]string{
		{URL},
		{Method},
		{Body},
		{Header},
	}...)
	return
}

// Do executes the request described by requestInput and copies the response
// body to out, transparently decoding gzip, deflate and brotli. The response
// status code is returned alongside any transport error; interpreting non-2XX
// codes is the caller's concern.
func Do(client *http.Client, ctx context.Context, requestInput []byte, out io.Writer) (statusCode int, err error) {
	url, method, body, headers := requestInputParams(requestInput)
	if len(method) == 0 {
		method = []byte(http.MethodPost)
	}

	request, err := http.NewRequestWithContext(ctx, string(method), string(url), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	if headers != nil {
		err = jsonparser.ObjectEach(headers, func(key []byte, value []byte, dataType jsonparser.ValueType, offset int) error {
			if dataType == jsonparser.String {
				request.Header.Add(string(key), string(value))
				return nil
			}
			_, err := jsonparser.ArrayEach(value, func(value []byte, dataType jsonparser.ValueType, offset int, err error) {
				if err != nil || len(value) == 0 {
					return
				}
				request.Header.Add(string(key), string(value))
			})
			return err
		})
		if err != nil {
			return 0, err
		}
	}

	request.Header.Set(AcceptHeader, ContentTypeJSON)
	request.Header.Set(ContentTypeHeader, ContentTypeJSON)
	request.Header.Set(AcceptEncodingHeader, EncodingGzip)
	request.Header.Add(AcceptEncodingHeader, EncodingDeflate)
	request.Header.Add(AcceptEncodingHeader, EncodingBrotli)

	response, err := client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	respReader, err := respBodyReader(response)
	if err != nil {
		return response.StatusCode, err
	}

	_, err = io.Copy(out, respReader)
	return response.StatusCode, err
}

func respBodyReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get(ContentEncodingHeader) {
	case EncodingGzip:
		return gzip.NewReader(resp.Body)
	case EncodingDeflate:
		return flate.NewReader(resp.Body), nil
	case EncodingBrotli:
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
