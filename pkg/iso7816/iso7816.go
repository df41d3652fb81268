/*
Package iso7816 implements the ISO/IEC 7816 building blocks used to reach an
applet on a secure element: APDU encoding and parsing, status words, CLA and
INS bytes, SELECT and MANAGE CHANNEL commands, and a T=0 client.

# Exchanges

One logical command may take several round trips on T=0: the card answers
61XX when XX bytes wait for GET RESPONSE and 6CXX when the command must be
re-sent with Le = XX. Client.Send performs those rounds and returns them all
as a Trace; Trace.Data and Trace.Bytes rebuild the logical answer.

# Logical Channels

An applet is reached on a logical channel opened with MANAGE CHANNEL. Every
later command carries the channel number in its CLA byte; Class.OnChannel
rewrites it for interindustry and proprietary classes alike.

# Usage Example: Selecting an Applet on a Channel

	client := iso7816.NewClient(card)
	basic, _ := iso7816.NewClass(0x00)

	trace, err := client.Send(iso7816.OpenChannelCommand(basic))
	if err != nil {
	    log.Fatal(err)
	}
	ch, err := iso7816.ParseOpenChannel(trace)
	if err != nil {
	    log.Fatal(err)
	}

	cla, _ := basic.OnChannel(ch)
	trace, err = client.Send(iso7816.SelectByAID(cla, aid))
	if err != nil || !trace.IsSuccess() {
	    log.Fatalf("select failed: %v %s", err, trace.Status())
	}

	resp, err := iso7816.ParseAppletSelect(trace.Data())
	if err == nil {
	    fmt.Println(resp.Describe())
	}
*/
package iso7816
